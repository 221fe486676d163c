package service

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"meshrelay/internal/bus"
	"meshrelay/internal/database"
	"meshrelay/pkg/remote"
	"meshrelay/pkg/transport"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func newTestDB(t *testing.T) *database.Database {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "service_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})
	return db
}

type mockTransport struct {
	mock.Mock
}

func (m *mockTransport) Send(ctx context.Context, deviceID string, payload []byte) error {
	args := m.Called(ctx, deviceID, payload)
	return args.Error(0)
}

func (m *mockTransport) Ping(ctx context.Context, deviceID string) (time.Duration, error) {
	args := m.Called(ctx, deviceID)
	return args.Get(0).(time.Duration), args.Error(1)
}

func (m *mockTransport) Connect(ctx context.Context, deviceID string) error {
	args := m.Called(ctx, deviceID)
	return args.Error(0)
}

func (m *mockTransport) Disconnect(ctx context.Context, deviceID string) error {
	args := m.Called(ctx, deviceID)
	return args.Error(0)
}

func (m *mockTransport) ConnectedDevices() []string {
	args := m.Called()
	return args.Get(0).([]string)
}

func (m *mockTransport) SetReceiveHandler(handler transport.ReceiveHandler) {
	m.Called(handler)
}

type mockRemote struct {
	mock.Mock
}

func (m *mockRemote) Upsert(ctx context.Context, collection, id string, doc remote.Document) error {
	args := m.Called(ctx, collection, id, doc)
	return args.Error(0)
}

func (m *mockRemote) Query(ctx context.Context, collection string, filter map[string]string) ([]remote.Document, error) {
	args := m.Called(ctx, collection, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]remote.Document), args.Error(1)
}

// fakeConnectivity is a hand-driven ConnectivityObserver for sync tests.
type fakeConnectivity struct {
	online  bool
	changes chan bool
}

func newFakeConnectivity(online bool) *fakeConnectivity {
	return &fakeConnectivity{online: online, changes: make(chan bool, 4)}
}

func (f *fakeConnectivity) Changes() <-chan bool { return f.changes }
func (f *fakeConnectivity) Online() bool         { return f.online }

func newTestBus() *bus.Bus {
	return bus.New()
}
