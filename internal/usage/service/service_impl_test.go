package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/lingora/internal/clock"
	entitlementdomain "github.com/smallbiznis/lingora/internal/entitlement/domain"
	"github.com/smallbiznis/lingora/internal/migration"
	usagedomain "github.com/smallbiznis/lingora/internal/usage/domain"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := migration.AutoMigrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return conn
}

func newTestService(t *testing.T) (usagedomain.Service, *gorm.DB) {
	t.Helper()
	conn := newTestDB(t)
	node, _ := snowflake.NewNode(1)
	svc := New(Params{
		DB:    conn,
		Log:   zap.NewNop(),
		Clock: clock.NewFakeClock(time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)),
		GenID: node,
	})
	return svc, conn
}

func TestConsumeDaily_GuardedIncrement(t *testing.T) {
	svc, conn := newTestService(t)
	node, _ := snowflake.NewNode(2)
	userID := node.Generate()
	ctx := context.Background()
	day := "2026-02-01"

	ok, err := svc.ConsumeDaily(ctx, conn, userID, day, entitlementdomain.CategoryFullTest, 2)
	assert.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.ConsumeDaily(ctx, conn, userID, day, entitlementdomain.CategoryFullTest, 2)
	assert.NoError(t, err)
	assert.True(t, ok)

	// Third call hits the limit inside the guarded update.
	ok, err = svc.ConsumeDaily(ctx, conn, userID, day, entitlementdomain.CategoryFullTest, 2)
	assert.NoError(t, err)
	assert.False(t, ok)

	record, err := svc.ForDay(ctx, userID, day)
	assert.NoError(t, err)
	assert.NotNil(t, record)
	assert.Equal(t, 2, record.FullTestsUsed)
}

func TestConsumeDaily_CategoriesIndependent(t *testing.T) {
	svc, conn := newTestService(t)
	node, _ := snowflake.NewNode(2)
	userID := node.Generate()
	ctx := context.Background()
	day := "2026-02-01"

	for _, category := range entitlementdomain.Categories() {
		ok, err := svc.ConsumeDaily(ctx, conn, userID, day, category, 1)
		assert.NoError(t, err)
		assert.True(t, ok, "first consume for %s", category)

		ok, err = svc.ConsumeDaily(ctx, conn, userID, day, category, 1)
		assert.NoError(t, err)
		assert.False(t, ok, "second consume for %s", category)
	}

	record, err := svc.ForDay(ctx, userID, day)
	assert.NoError(t, err)
	assert.Equal(t, 1, record.FullTestsUsed)
	assert.Equal(t, 1, record.SectionAUsed)
	assert.Equal(t, 1, record.SectionBUsed)
}

func TestConsumeDaily_DaysIndependent(t *testing.T) {
	svc, conn := newTestService(t)
	node, _ := snowflake.NewNode(2)
	userID := node.Generate()
	ctx := context.Background()

	ok, err := svc.ConsumeDaily(ctx, conn, userID, "2026-02-01", entitlementdomain.CategorySectionA, 1)
	assert.NoError(t, err)
	assert.True(t, ok)

	// Next UTC day starts from zero.
	ok, err = svc.ConsumeDaily(ctx, conn, userID, "2026-02-02", entitlementdomain.CategorySectionA, 1)
	assert.NoError(t, err)
	assert.True(t, ok)
}

func TestConsumeDaily_UnknownCategory(t *testing.T) {
	svc, conn := newTestService(t)
	node, _ := snowflake.NewNode(2)

	_, err := svc.ConsumeDaily(context.Background(), conn, node.Generate(), "2026-02-01", entitlementdomain.Category("bogus"), 1)
	assert.ErrorIs(t, err, entitlementdomain.ErrUnknownCategory)
}

func TestConsumeDaily_ConcurrentLastSlot(t *testing.T) {
	svc, conn := newTestService(t)
	node, _ := snowflake.NewNode(2)
	userID := node.Generate()
	ctx := context.Background()
	day := "2026-02-01"

	const callers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := svc.ConsumeDaily(ctx, conn, userID, day, entitlementdomain.CategorySectionB, 1)
			if err != nil {
				t.Errorf("ConsumeDaily: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins, "exactly one caller may take the last slot")

	record, err := svc.ForDay(ctx, userID, day)
	assert.NoError(t, err)
	assert.Equal(t, 1, record.SectionBUsed)
}

func TestForDay_MissingRecord(t *testing.T) {
	svc, _ := newTestService(t)
	node, _ := snowflake.NewNode(2)

	record, err := svc.ForDay(context.Background(), node.Generate(), "2026-02-01")
	assert.NoError(t, err)
	assert.Nil(t, record)

	// Nil record reads as zero usage.
	assert.Equal(t, 0, record.Used(entitlementdomain.CategoryFullTest))
}

func TestDayOf_UTC(t *testing.T) {
	loc := time.FixedZone("UTC+7", 7*60*60)
	// 01:30 local on Feb 2 is still Feb 1 in UTC.
	at := time.Date(2026, 2, 2, 1, 30, 0, 0, loc)
	assert.Equal(t, "2026-02-01", usagedomain.DayOf(at))
}
