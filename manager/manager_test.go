package manager

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/go-tus/tusclient/store/memstore"
)

type memFile struct {
	name string
	data []byte
}

func (f *memFile) Name() string { return f.name }
func (f *memFile) Size() int64  { return int64(len(f.data)) }
func (f *memFile) MIME() string { return "" }

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(f.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// slowServer accepts creation and chunk uploads, holding each PATCH open
// until released, so tests can observe the concurrency bound directly.
func slowServer(t *testing.T, hold <-chan struct{}) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/files/", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.Header().Set("Location", r.URL.Path+"x")
			w.WriteHeader(http.StatusCreated)
		case http.MethodPatch:
			if hold != nil {
				<-hold
			}
			body, _ := io.ReadAll(r.Body)
			w.Header().Set("Upload-Offset", itoa(len(body)))
			w.WriteHeader(http.StatusNoContent)
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func TestConcurrencyBoundNeverExceeded(t *testing.T) {
	hold := make(chan struct{})
	srv := slowServer(t, hold)

	cfg := DefaultConfig()
	cfg.ServerURL = srv.URL + "/files/"
	cfg.ConcurrencyBound = 2
	cfg.PreventDuplicates = false
	cfg.Store = memstore.New()

	m := New(cfg, log.NewLogger())
	defer m.Dispose()

	var maxActive int32
	var mu sync.Mutex
	id, events := m.Subscribe()
	defer m.Unsubscribe(id)

	done := make(chan struct{})
	go func() {
		active := map[string]bool{}
		for ev := range events {
			mu.Lock()
			switch ev.Type {
			case EventStart:
				active[ev.Upload.ID] = true
			case EventComplete, EventError:
				delete(active, ev.Upload.ID)
			}
			if int32(len(active)) > maxActive {
				maxActive = int32(len(active))
			}
			mu.Unlock()
		}
		close(done)
	}()

	for i := 0; i < 5; i++ {
		f := &memFile{name: "f" + itoa(i) + ".bin", data: []byte("some bytes to upload 123456")}
		if _, err := m.AddUpload(f, nil, nil, 0); err != nil {
			t.Fatalf("AddUpload: %v", err)
		}
	}

	// Release PATCHes gradually; never more than the bound should be
	// observed active at once.
	for i := 0; i < 5; i++ {
		hold <- struct{}{}
		time.Sleep(10 * time.Millisecond)
	}

	time.Sleep(50 * time.Millisecond)
	m.Dispose()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if maxActive > int32(cfg.ConcurrencyBound) {
		t.Fatalf("observed %d concurrently active uploads, bound is %d", maxActive, cfg.ConcurrencyBound)
	}
}

func TestDuplicateAddAttachesToExistingManagedUpload(t *testing.T) {
	hold := make(chan struct{})
	srv := slowServer(t, hold)

	cfg := DefaultConfig()
	cfg.ServerURL = srv.URL + "/files/"
	cfg.ConcurrencyBound = 2
	cfg.PreventDuplicates = true
	cfg.Store = memstore.New()

	m := New(cfg, log.NewLogger())
	defer m.Dispose()

	sameBytes := []byte("duplicate content for fingerprint equality")
	f1 := &memFile{name: "dup.bin", data: sameBytes}
	f2 := &memFile{name: "other.bin", data: []byte("different content entirely, different length")}
	f3 := &memFile{name: "dup.bin", data: sameBytes}

	id1, err := m.AddUpload(f1, nil, nil, 0)
	if err != nil {
		t.Fatalf("AddUpload f1: %v", err)
	}
	if _, err := m.AddUpload(f2, nil, nil, 0); err != nil {
		t.Fatalf("AddUpload f2: %v", err)
	}
	id3, err := m.AddUpload(f3, nil, nil, 0)
	if err != nil {
		t.Fatalf("AddUpload f3: %v", err)
	}

	if id3 != id1 {
		t.Fatalf("third add_upload got id %q, want it to attach to %q", id3, id1)
	}

	close(hold)
	time.Sleep(50 * time.Millisecond)

	if got := len(m.GetAllUploads()); got != 2 {
		t.Fatalf("managed upload count = %d, want 2 (one per distinct fingerprint)", got)
	}
}

func TestQueueDrainsInFIFOOrder(t *testing.T) {
	hold := make(chan struct{})
	srv := slowServer(t, hold)

	cfg := DefaultConfig()
	cfg.ServerURL = srv.URL + "/files/"
	cfg.ConcurrencyBound = 1
	cfg.PreventDuplicates = false
	cfg.Store = memstore.New()

	m := New(cfg, log.NewLogger())
	defer m.Dispose()

	var startOrder []string
	var mu sync.Mutex
	id, events := m.Subscribe()
	defer m.Unsubscribe(id)

	done := make(chan struct{})
	var completed int32
	go func() {
		for ev := range events {
			if ev.Type == EventStart {
				mu.Lock()
				startOrder = append(startOrder, ev.Upload.ID)
				mu.Unlock()
			}
			if ev.Type == EventComplete {
				atomic.AddInt32(&completed, 1)
			}
		}
		close(done)
	}()

	var ids []string
	for i := 0; i < 3; i++ {
		f := &memFile{name: "q" + itoa(i) + ".bin", data: []byte("payload")}
		id, err := m.AddUpload(f, nil, nil, 0)
		if err != nil {
			t.Fatalf("AddUpload: %v", err)
		}
		ids = append(ids, id)
	}

	for i := 0; i < 3; i++ {
		hold <- struct{}{}
		time.Sleep(20 * time.Millisecond)
	}

	time.Sleep(50 * time.Millisecond)
	m.Dispose()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(startOrder) != 3 {
		t.Fatalf("start events = %d, want 3: %v", len(startOrder), startOrder)
	}
	for i, id := range ids {
		if startOrder[i] != id {
			t.Fatalf("start order[%d] = %q, want %q (FIFO)", i, startOrder[i], id)
		}
	}
}
