package engine

import (
	"context"
	"expvar"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/INLOpen/nexusdoc/core"
	"github.com/INLOpen/nexusdoc/hooks"
	"github.com/stretchr/testify/require"
)

// resetEngineExpvars resets published engine variables so tests start with a
// clean metrics state.
func resetEngineExpvars() {
	var keys []string
	expvar.Do(func(kv expvar.KeyValue) {
		keys = append(keys, kv.Key)
	})
	for _, name := range keys {
		if !strings.HasPrefix(name, "engine_") {
			continue
		}
		switch v := expvar.Get(name).(type) {
		case *expvar.Int:
			v.Set(0)
		case *expvar.Float:
			v.Set(0)
		case *expvar.Map:
			v.Init()
		}
	}
}

func TestMain(m *testing.M) {
	resetEngineExpvars()
	os.Exit(m.Run())
}

const testSegmentSize = 64 * 1024

func testOptions(dir string) Options {
	return Options{
		DataDir:          dir,
		WALSyncMode:      core.WALSyncInterval,
		WALSyncInterval:  20 * time.Millisecond,
		WALSegmentSize:   testSegmentSize,
		CollectorWorkers: 2,
		LockTimeout:      200 * time.Millisecond,
		Logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
		FreeSpace:        func(string) (uint64, error) { return 1 << 40, nil },
	}
}

func openTestDB(t *testing.T, opts Options) *DB {
	t.Helper()
	db, err := Open(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

var syncWrite = WriteOptions{WaitForSync: true}

func doc(body string) []byte { return []byte(body) }

// eventListener records events of the types it is registered for and can
// veto Pre events.
type eventListener struct {
	veto   error
	events chan hooks.HookEvent
}

func newEventListener(veto error) *eventListener {
	return &eventListener{veto: veto, events: make(chan hooks.HookEvent, 256)}
}

func (l *eventListener) OnEvent(_ context.Context, ev hooks.HookEvent) error {
	select {
	case l.events <- ev:
	default:
	}
	return l.veto
}

func (l *eventListener) Priority() int { return 0 }
func (l *eventListener) IsAsync() bool { return false }
