package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/dentalchart/internal/config"
	"github.com/ehr/dentalchart/internal/domain/consultation"
	"github.com/ehr/dentalchart/internal/platform/db"
	"github.com/ehr/dentalchart/internal/platform/realtime"
	"github.com/ehr/dentalchart/internal/platform/websocket"
)

func startNATS(t *testing.T) *natsserver.Server {
	t.Helper()
	server, err := natsserver.NewServer(&natsserver.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
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

func failConnect(string, zerolog.Logger) (*nats.Conn, error) {
	return nil, errors.New("unreachable")
}

func TestBuildRealtime_Hub(t *testing.T) {
	hub := websocket.NewHub(zerolog.Nop())
	rt, err := buildRealtime(&config.Config{RealtimeSource: config.RealtimeHub}, nil, hub, failConnect, zerolog.Nop())
	require.NoError(t, err)
	defer rt.Close()

	assert.IsType(t, &realtime.HubFeed{}, rt.Feed)
	assert.IsType(t, &realtime.HubPublisher{}, rt.Publisher)
	assert.Nil(t, rt.NATS)
	assert.Nil(t, rt.Messages)
}

func TestBuildRealtime_Postgres(t *testing.T) {
	hub := websocket.NewHub(zerolog.Nop())
	rt, err := buildRealtime(&config.Config{RealtimeSource: config.RealtimePostgres}, nil, hub, failConnect, zerolog.Nop())
	require.NoError(t, err)
	defer rt.Close()

	assert.IsType(t, &realtime.PGFeed{}, rt.Feed)
	assert.IsType(t, &realtime.HubPublisher{}, rt.Publisher)
}

func TestBuildRealtime_NATSConnectError(t *testing.T) {
	hub := websocket.NewHub(zerolog.Nop())
	_, err := buildRealtime(&config.Config{RealtimeSource: config.RealtimeNATS, NATSURL: "nats://nowhere"}, nil, hub, failConnect, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect nats")
}

func TestBuildRealtime_Unknown(t *testing.T) {
	_, err := buildRealtime(&config.Config{RealtimeSource: "kafka"}, nil, websocket.NewHub(zerolog.Nop()), failConnect, zerolog.Nop())
	require.Error(t, err)
}

func TestBuildRealtime_NATSPublishesCompletion(t *testing.T) {
	server := startNATS(t)
	hub := websocket.NewHub(zerolog.Nop())
	cfg := &config.Config{RealtimeSource: config.RealtimeNATS, NATSURL: server.ClientURL()}
	rt, err := buildRealtime(cfg, nil, hub, connectNATS, zerolog.Nop())
	require.NoError(t, err)
	defer rt.Close()
	require.NotNil(t, rt.NATS)
	require.NotNil(t, rt.Messages)
	assert.IsType(t, &realtime.NATSFeed{}, rt.Feed)
	assert.IsType(t, realtime.MultiPublisher{}, rt.Publisher)

	listener, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer listener.Close()
	sub, err := listener.SubscribeSync(CompletedSubject)
	require.NoError(t, err)
	require.NoError(t, listener.Flush())

	now := time.Now().UTC()
	c := &consultation.Consultation{
		ID:          uuid.New(),
		PatientID:   uuid.New(),
		Status:      consultation.StatusCompleted,
		Sections:    consultation.Sections{consultation.SectionChiefComplaint: &consultation.ChiefComplaint{Complaint: "pain"}},
		UpdatedAt:   now,
		CompletedAt: &now,
	}
	n := &completionNotifier{pub: rt.Messages, logger: zerolog.Nop()}
	require.NoError(t, n.ConsultationCompleted(context.Background(), c))
	require.NoError(t, rt.NATS.Flush())

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	var view consultation.View
	require.NoError(t, json.Unmarshal(msg.Data, &view))
	assert.Equal(t, c.ID, view.ID)
	assert.Equal(t, consultation.StatusCompleted, view.Status)
}

type failingPublisher struct{}

func (failingPublisher) PublishJSON(string, any) error { return errors.New("broker down") }

func TestCompletionNotifier_PropagatesError(t *testing.T) {
	n := &completionNotifier{pub: failingPublisher{}, logger: zerolog.Nop()}
	err := n.ConsultationCompleted(context.Background(), &consultation.Consultation{ID: uuid.New()})
	assert.EqualError(t, err, "broker down")
}

func TestMigrateCmd_Subcommands(t *testing.T) {
	cmd := migrateCmd()
	names := map[string]bool{}
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["up"])
	assert.True(t, names["status"])

	up, _, err := cmd.Find([]string{"up"})
	require.NoError(t, err)
	assert.NotNil(t, up.Flags().Lookup("to"))
}

func TestPrintStatus(t *testing.T) {
	applied := time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&buf)
	printStatus(cmd, []db.MigrationStatus{
		{Version: 1, Name: "dental_chart", Applied: true, AppliedAt: &applied},
		{Version: 2, Name: "treatment_notes"},
	})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[1], "dental_chart")
	assert.Contains(t, lines[1], "2026-10-01T08:00:00Z")
	assert.Contains(t, lines[2], "pending")
}

func TestNewEcho_AppliesBodyLimit(t *testing.T) {
	cfg := &config.Config{BodyLimit: "1K", RequestTimeout: time.Second, CORSOrigins: []string{"*"}}
	e := newEcho(cfg, zerolog.Nop())
	e.POST("/echo", func(c echo.Context) error { return c.NoContent(http.StatusNoContent) })

	req := httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader(strings.Repeat("x", 4096)))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req = httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader("{}"))
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
