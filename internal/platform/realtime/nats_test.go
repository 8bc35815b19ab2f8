package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}
	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

func TestNATSFeed_PublishSubscribe(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	feed := NewNATSFeed(nc, zerolog.Nop())
	pub := NewNATSPublisher(nc)

	var mu sync.Mutex
	var got []Change
	sub, err := feed.Subscribe(context.Background(), "p1", ChartTables, func(c Change) {
		mu.Lock()
		got = append(got, c)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	ctx := context.Background()
	require.NoError(t, pub.PublishChange(ctx, Change{Table: TableToothRecords, Op: OpUpdate, PatientID: "p1"}))
	require.NoError(t, pub.PublishChange(ctx, Change{Table: TableToothRecords, Op: OpUpdate, PatientID: "p2"}))
	// A bare message on the subject still counts as a change.
	require.NoError(t, nc.Publish(ChangeSubject("p1", TableTreatments), []byte("ping")))
	require.NoError(t, nc.Flush())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	tables := []string{got[0].Table, got[1].Table}
	assert.ElementsMatch(t, ChartTables, tables)
	for _, c := range got {
		assert.Equal(t, "p1", c.PatientID)
	}
}

func TestNATSPublisher_RejectsWildcardPatient(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	pub := NewNATSPublisher(nc)
	assert.Error(t, pub.PublishChange(context.Background(), Change{Table: TableToothRecords, PatientID: "p.*"}))
	assert.Error(t, pub.PublishChange(context.Background(), Change{Table: TableToothRecords}))
}

func TestChangeSubject(t *testing.T) {
	assert.Equal(t, "dental.changes.abc.tooth_records", ChangeSubject("abc", TableToothRecords))
}
