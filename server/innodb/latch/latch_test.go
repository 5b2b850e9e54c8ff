package latch

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLatchReadWrite(t *testing.T) {
	l := NewLatch("rows")
	assert.Equal(t, "rows", l.Name())

	boom := errors.New("boom")
	assert.ErrorIs(t, l.Write(func() error { return boom }), boom)
	assert.NoError(t, l.Read(func() error { return nil }))

	exclusive, shared := l.Acquisitions()
	assert.Equal(t, int64(1), exclusive)
	assert.Equal(t, int64(1), shared)
}

func TestLatchExcludesWriters(t *testing.T) {
	l := NewLatch("counter")
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = l.Write(func() error {
				counter++
				return nil
			})
		}()
		go func() {
			defer wg.Done()
			_ = l.Read(func() error {
				_ = counter
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
}
