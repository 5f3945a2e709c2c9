package helpers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToJsonString(t *testing.T) {
	assert.Equal(t, `{"id":"1","qty":2}`, ToJsonString(struct {
		ID  string `json:"id"`
		Qty int    `json:"qty"`
	}{"1", 2}))
	assert.Equal(t, "", ToJsonString(make(chan int)))
}
