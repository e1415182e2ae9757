package tests

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pitabwire/frame/cache"
	"github.com/pitabwire/util"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/antinvestor/service-realtime/apps/default/config"
	"github.com/antinvestor/service-realtime/apps/default/service/business"
	"github.com/antinvestor/service-realtime/apps/default/service/business/mocks"
	"github.com/antinvestor/service-realtime/apps/default/service/clients"
	"github.com/antinvestor/service-realtime/apps/default/service/gateway"
	"github.com/antinvestor/service-realtime/apps/default/service/models"
	"github.com/antinvestor/service-realtime/apps/default/service/repository"
)

const DefaultRandomStringLength = 8

type BaseTestSuite struct {
	suite.Suite
	Ctrl *gomock.Controller
}

func (bs *BaseTestSuite) SetupTest() {
	bs.Ctrl = gomock.NewController(bs.T())
}

// TestConfig returns a configuration with small limits suited to tests.
func TestConfig() *config.RealtimeConfig {
	return &config.RealtimeConfig{
		MediaStoreURI:             "http://media.test",
		CacheURI:                  "mem://",
		CollaboratorTimeoutSec:    1,
		BreakerMaxFailures:        3,
		BreakerResetTimeoutSec:    1,
		AuthJWTSecret:             "test-secret",
		AuthJWTAudience:           "service_realtime",
		SupportedProtocolVersions: []string{"1"},
		MaxConnections:            100,
		SendQueueSize:             100,
		HeartbeatTimeoutSec:       90,
		HandshakeTimeoutSec:       2,
		CloseGracePeriodMs:        200,
		ShutdownDrainSec:          2,
		MaxFrameBytes:             65536,
		MaxInboundPerSecond:       100,
		InboundBurst:              100,
		FanoutConcurrency:         8,
		HistoryDefaultPageSize:    100,
		HistoryMaxPageSize:        500,
		ResyncBatchSize:           50,
		MaxParticipants:           20,
		MaxMediaPerMessage:        4,
		MaxBodyLength:             1024,
		MediaCacheTTLSec:          60,
	}
}

// StaticDB hands out the same gorm handle for reads and writes.
type StaticDB struct {
	Gorm *gorm.DB
}

func (s StaticDB) DB(ctx context.Context, _ bool) *gorm.DB {
	return s.Gorm.WithContext(ctx)
}

// NewTestDB opens a private in-memory sqlite database with every table migrated.
// A single connection keeps the shared-cache database alive and serialises writers.
func NewTestDB(t *testing.T) StaticDB {
	t.Helper()

	dsn := fmt.Sprintf("file:realtime_%s?mode=memory&cache=shared", util.RandomAlphaNumericString(DefaultRandomStringLength))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	provider := StaticDB{Gorm: db}
	require.NoError(t, repository.Migrate(t.Context(), provider))
	return provider
}

// Deps is a fully wired messaging core over an in-memory database.
type Deps struct {
	Cfg *config.RealtimeConfig
	DB  StaticDB

	ConversationRepo repository.ConversationRepository
	MessageRepo      repository.MessageRepository
	DeliveryRepo     repository.DeliveryRepository
	ReadMarkerRepo   repository.ReadMarkerRepository

	Presence  *business.PresenceTracker
	Directory *mocks.MockUserDirectory
	Store     *mocks.MockMediaStore
	Media     business.MediaResolver
	Router    business.MessageRouter
	Chat      business.ChatBusiness
}

// CreateDeps wires the business layer. sender may be nil when no frames are expected.
// The directory mock accepts every user unless a test sets its own expectations first.
func (bs *BaseTestSuite) CreateDeps(t *testing.T, sender business.FrameSender) *Deps {
	t.Helper()

	cfg := TestConfig()
	if sender == nil {
		sender = NewRecordingSender(cfg.SendQueueSize)
	}
	return bs.buildDeps(t, cfg, business.NewPresenceTracker(), sender)
}

// CreateRealtimeDeps wires the business layer behind a running connection manager
// that verifies tokens minted by Token.
func (bs *BaseTestSuite) CreateRealtimeDeps(t *testing.T) (*Deps, gateway.ConnectionManager) {
	t.Helper()

	cfg := TestConfig()
	presence := business.NewPresenceTracker()
	auth := clients.NewJWTAuthenticator(cfg.AuthJWTSecret, cfg.AuthJWTIssuer, cfg.AuthJWTAudience)

	cm := gateway.NewConnectionManager(t.Context(), gateway.SettingsFromConfig(cfg), auth, presence)
	deps := bs.buildDeps(t, cfg, presence, cm)
	cm.SetChatService(deps.Chat)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownDrain())
		defer cancel()
		_ = cm.Shutdown(ctx)
	})
	return deps, cm
}

// Token mints a session token for userID accepted by the test configuration.
func Token(t *testing.T, userID string) string {
	t.Helper()

	cfg := TestConfig()
	token, err := clients.IssueToken(cfg.AuthJWTSecret, userID, cfg.AuthJWTIssuer, cfg.AuthJWTAudience, time.Hour)
	require.NoError(t, err)
	return token
}

func (bs *BaseTestSuite) buildDeps(
	t *testing.T,
	cfg *config.RealtimeConfig,
	presence *business.PresenceTracker,
	sender business.FrameSender,
) *Deps {
	t.Helper()

	db := NewTestDB(t)

	deps := &Deps{
		Cfg:              cfg,
		DB:               db,
		ConversationRepo: repository.NewConversationRepository(db),
		MessageRepo:      repository.NewMessageRepository(db),
		DeliveryRepo:     repository.NewDeliveryRepository(db),
		ReadMarkerRepo:   repository.NewReadMarkerRepository(db),
		Presence:         presence,
		Directory:        mocks.NewMockUserDirectory(bs.Ctrl),
		Store:            mocks.NewMockMediaStore(bs.Ctrl),
	}

	deps.Media = business.NewMediaResolver(deps.Store, deps.ConversationRepo, cache.NewInMemoryCache(), cfg.MediaCacheTTL())
	deps.Router = business.NewMessageRouter(
		deps.MessageRepo,
		deps.DeliveryRepo,
		deps.Presence,
		sender,
		cfg.FanoutConcurrency,
	)
	deps.Chat = business.NewChatBusiness(
		cfg,
		deps.ConversationRepo,
		deps.MessageRepo,
		deps.DeliveryRepo,
		deps.ReadMarkerRepo,
		deps.Directory,
		deps.Media,
		deps.Router,
		deps.Presence,
		sender,
	)

	return deps
}

// AllowAllUsers makes the directory mock accept any user id.
func (d *Deps) AllowAllUsers() {
	d.Directory.EXPECT().Exists(gomock.Any(), gomock.Any()).Return(true, nil).AnyTimes()
}

// CreateConversation opens a conversation and fails the test on error.
func (d *Deps) CreateConversation(t *testing.T, creator string, others ...string) *models.ConversationDetail {
	t.Helper()
	detail, err := d.Chat.CreateConversation(t.Context(), creator, "test conversation", others)
	require.NoError(t, err)
	return detail
}

// RecordingSender captures frames per connection. Each connection accepts at
// most capacity frames, after which Send fails the way a full queue does.
type RecordingSender struct {
	mu       sync.Mutex
	capacity int
	limits   map[string]int
	frames   map[string][]*models.Frame
	refused  map[string]bool
}

func NewRecordingSender(capacity int) *RecordingSender {
	return &RecordingSender{
		capacity: capacity,
		limits:   make(map[string]int),
		frames:   make(map[string][]*models.Frame),
		refused:  make(map[string]bool),
	}
}

var ErrRecordingQueueFull = fmt.Errorf("recording sender queue full")

func (rs *RecordingSender) Send(_ context.Context, connectionID string, frame *models.Frame) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	capacity, ok := rs.limits[connectionID]
	if !ok {
		capacity = rs.capacity
	}
	if rs.refused[connectionID] || len(rs.frames[connectionID]) >= capacity {
		return ErrRecordingQueueFull
	}
	rs.frames[connectionID] = append(rs.frames[connectionID], frame)
	return nil
}

// SetCapacity overrides the capacity of one connection.
func (rs *RecordingSender) SetCapacity(connectionID string, capacity int) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.limits[connectionID] = capacity
}

// Refuse makes every later Send to connectionID fail.
func (rs *RecordingSender) Refuse(connectionID string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.refused[connectionID] = true
}

// Frames returns the frames captured for connectionID.
func (rs *RecordingSender) Frames(connectionID string) []*models.Frame {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return append([]*models.Frame(nil), rs.frames[connectionID]...)
}

// FramesOfType filters the captured frames for connectionID.
func (rs *RecordingSender) FramesOfType(connectionID string, frameType models.FrameType) []*models.Frame {
	var out []*models.Frame
	for _, f := range rs.Frames(connectionID) {
		if f.Type == frameType {
			out = append(out, f)
		}
	}
	return out
}

// Flush simulates the transport writing every captured frame.
func (rs *RecordingSender) Flush(connectionID string) {
	for _, f := range rs.Frames(connectionID) {
		if f.OnWritten != nil {
			f.OnWritten()
		}
	}
}
