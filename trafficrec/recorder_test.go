package trafficrec

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecorderConnectionIDOrdering(t *testing.T) {
	var r Recorder
	assert.EqualValues(t, 1, r.NextConnectionID())
	assert.EqualValues(t, 2, r.NextConnectionID())
	assert.EqualValues(t, 2, r.LastConnectionID())
}

func TestRecorderAliveCountConcurrent(t *testing.T) {
	var r Recorder
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.ConnectionOpened()
			r.ConnectionClosed()
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 0, r.AliveConnectionCount())
}

func TestRecorderTrafficTotals(t *testing.T) {
	var r Recorder
	r.AddUpload(10)
	r.AddUpload(5)
	r.AddDownload(100)
	assert.EqualValues(t, 15, r.UploadBytes())
	assert.EqualValues(t, 100, r.DownloadBytes())
}
