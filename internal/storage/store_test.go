package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPastCursors(t *testing.T) {
	req := require.New(t)
	at := Now()
	before, after := at.Add(-time.Second), at.Add(time.Second)

	req.True(PastCursors(at).Equal(at))
	req.True(PastCursors(at, nil, &before).Equal(at))
	req.True(PastCursors(at, &before, &after, nil).Equal(after.Add(time.Microsecond)))
	req.True(PastCursors(at, &at).Equal(at.Add(time.Microsecond)))
}
