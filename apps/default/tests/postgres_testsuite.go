package tests

import (
	"context"
	"strings"
	"testing"

	"github.com/pitabwire/frame/datastore/pool"
	"github.com/pitabwire/frame/frametests"
	"github.com/pitabwire/frame/frametests/definition"
	"github.com/pitabwire/frame/frametests/deps/testpostgres"
	"github.com/pitabwire/util"
	"github.com/stretchr/testify/require"

	"github.com/antinvestor/service-realtime/apps/default/service/repository"
)

const PostgresqlDBImage = "postgres:latest"

// PostgresTestSuite runs its tests against a postgres container, where row
// locks and isolation behave as in production.
type PostgresTestSuite struct {
	frametests.FrameBaseTestSuite
}

func initResources(_ context.Context) []definition.TestResource {
	pg := testpostgres.NewWithOpts("service_realtime",
		definition.WithUserName("ant"),
		definition.WithImageName(PostgresqlDBImage),
		definition.WithEnableLogging(false))
	return []definition.TestResource{pg}
}

func (ps *PostgresTestSuite) SetupSuite() {
	ps.InitResourceFunc = initResources
	ps.FrameBaseTestSuite.SetupSuite()
}

// WithPostgres runs testFn against a freshly migrated database of every dependency option.
func (ps *PostgresTestSuite) WithPostgres(t *testing.T, testFn func(t *testing.T, dbPool pool.Pool)) {
	options := []*definition.DependencyOption{
		definition.NewDependancyOption("postgres", randomPrefix(), ps.Resources()),
	}

	frametests.WithTestDependencies(t, options, func(t *testing.T, opt *definition.DependencyOption) {
		testFn(t, NewPostgresDB(t, opt))
	})
}

// NewPostgresDB creates a private database on the option's postgres dependency and migrates it.
func NewPostgresDB(t *testing.T, opt *definition.DependencyOption) pool.Pool {
	t.Helper()
	ctx := t.Context()

	res := opt.ByIsDatabase(ctx)
	require.NotNil(t, res, "no database dependency configured")

	testDS, cleanup, err := res.GetRandomisedDS(ctx, randomPrefix())
	require.NoError(t, err)
	t.Cleanup(func() { cleanup(context.Background()) })

	dbPool := pool.NewPool(ctx)
	require.NoError(t, dbPool.AddConnection(ctx,
		pool.WithConnection(testDS.String(), false),
		pool.WithPreparedStatements(false)))
	t.Cleanup(func() { dbPool.Close(context.Background()) })

	require.NoError(t, repository.Migrate(ctx, dbPool))
	return dbPool
}

func randomPrefix() string {
	return strings.ToLower(util.RandomAlphaNumericString(DefaultRandomStringLength))
}
