package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCounters_IncMalformed_AccumulatesPerCode(t *testing.T) {
	c := New()
	c.IncMalformed("parse_error")
	c.IncMalformed("parse_error")
	c.IncMalformed("missing_fields")

	snap := c.Snapshot()
	assert.Equal(t, int64(2), snap.MalformedByCode["parse_error"])
	assert.Equal(t, int64(1), snap.MalformedByCode["missing_fields"])
}

func TestCounters_IncDropped_AccumulatesPerState(t *testing.T) {
	c := New()
	c.IncDropped("UNDEFINED")
	c.IncDropped("UNDEFINED")
	c.IncDropped("")

	snap := c.Snapshot()
	assert.Equal(t, int64(2), snap.DroppedByState["UNDEFINED"])
	assert.Equal(t, int64(1), snap.DroppedByState[""])
}

func TestCounters_IncWriteError_Accumulates(t *testing.T) {
	c := New()
	c.IncWriteError()
	c.IncWriteError()

	snap := c.Snapshot()
	assert.Equal(t, int64(2), snap.WriteErrors)
}
