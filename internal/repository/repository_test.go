package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/slot-reservation/internal/database"
	"github.com/iliyamo/slot-reservation/internal/model"
)

func TestIsDuplicate(t *testing.T) {
	if !isDuplicate(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}) {
		t.Fatalf("1062 must be a duplicate")
	}
	if !isDuplicate(fmt.Errorf("insert: %w", &mysql.MySQLError{Number: 1062})) {
		t.Fatalf("wrapped 1062 must be a duplicate")
	}
	if isDuplicate(&mysql.MySQLError{Number: 1146}) {
		t.Fatalf("1146 is not a duplicate")
	}
	if isDuplicate(errors.New("Error 1062")) || isDuplicate(nil) {
		t.Fatalf("non-MySQL errors are not duplicates")
	}
}

func grooming(tenant string) model.Service {
	return model.Service{
		ID:       "grooming",
		TenantID: tenant,
		Name:     "Grooming",
		Duration: 30 * time.Minute,
		HoldTTL:  5 * time.Minute,
		BusinessHours: model.BusinessHours{
			TimeZone: "Europe/Berlin",
			Days: map[time.Weekday]model.Window{
				time.Monday:    {Open: 9 * 60, Close: 18 * 60},
				time.Wednesday: {Open: 10 * 60, Close: 14 * 60},
			},
		},
	}
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("TEST_MYSQL_DSN not set")
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := database.EnsureSchema(context.Background(), db); err != nil {
		t.Fatalf("schema: %v", err)
	}
	return db
}

func TestMySQLRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	tenant := "t-" + uuid.NewString()[:8]
	t.Cleanup(func() {
		_, _ = db.Exec(`DELETE FROM appointments WHERE tenant_id = ?`, tenant)
		_, _ = db.Exec(`DELETE FROM service_hours WHERE tenant_id = ?`, tenant)
		_, _ = db.Exec(`DELETE FROM services WHERE tenant_id = ?`, tenant)
	})

	services := NewServiceRepo(db)
	if _, err := services.GetService(ctx, tenant, "grooming"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	want := grooming(tenant)
	if err := services.SaveService(ctx, want); err != nil {
		t.Fatalf("SaveService: %v", err)
	}
	got, err := services.GetService(ctx, tenant, "grooming")
	if err != nil {
		t.Fatalf("GetService: %v", err)
	}
	if got.Duration != want.Duration || got.HoldTTL != want.HoldTTL || got.BusinessHours.TimeZone != "Europe/Berlin" {
		t.Fatalf("unexpected service %+v", got)
	}
	if len(got.BusinessHours.Days) != 2 || got.BusinessHours.Days[time.Wednesday].Close != 14*60 {
		t.Fatalf("unexpected hours %+v", got.BusinessHours.Days)
	}

	appts := NewAppointmentRepo(db)
	req := model.BookingRequest{
		ReservationID: uuid.NewString(),
		SessionID:     "s1",
		SlotKey:       model.SlotKey{TenantID: tenant, ServiceID: "grooming", Date: "2025-03-05", Time: 10 * 60},
		Duration:      30 * time.Minute,
		Details:       model.BookingDetails{ClientName: "Ada"},
	}
	ref, err := appts.CreateAppointment(ctx, req)
	if err != nil || ref == "" {
		t.Fatalf("CreateAppointment: %q %v", ref, err)
	}
	req.ReservationID = uuid.NewString()
	if _, err := appts.CreateAppointment(ctx, req); !errors.Is(err, ErrSlotTaken) {
		t.Fatalf("expected ErrSlotTaken, got %v", err)
	}
	slots, err := appts.ListConfirmedSlots(ctx, tenant, "2025-03-05")
	if err != nil {
		t.Fatalf("ListConfirmedSlots: %v", err)
	}
	if len(slots) != 1 || slots[0].Time != 10*60 || slots[0].Duration != 30*time.Minute {
		t.Fatalf("unexpected slots %+v", slots)
	}
}

type countingCatalog struct {
	calls int
	svc   model.Service
}

func (c *countingCatalog) GetService(_ context.Context, tenantID, serviceID string) (model.Service, error) {
	c.calls++
	if serviceID != c.svc.ID {
		return model.Service{}, ErrNotFound
	}
	return c.svc, nil
}

func TestCachedCatalogWithoutRedis(t *testing.T) {
	inner := &countingCatalog{svc: grooming("clinic")}
	c := NewCachedCatalog(inner, nil, time.Minute, "", nil)
	for i := 0; i < 3; i++ {
		if _, err := c.GetService(context.Background(), "clinic", "grooming"); err != nil {
			t.Fatalf("GetService: %v", err)
		}
	}
	if inner.calls != 3 {
		t.Fatalf("without redis every call goes through, got %d", inner.calls)
	}
	if err := c.Invalidate(context.Background(), "clinic", "grooming"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
}

func TestCachedCatalogRedis(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })
	ctx := context.Background()
	prefix := "test-catalog-" + uuid.NewString()

	inner := &countingCatalog{svc: grooming("clinic")}
	c := NewCachedCatalog(inner, rdb, time.Minute, prefix, nil)
	t.Cleanup(func() { _ = c.Invalidate(ctx, "clinic", "grooming") })

	for i := 0; i < 3; i++ {
		got, err := c.GetService(ctx, "clinic", "grooming")
		if err != nil {
			t.Fatalf("GetService: %v", err)
		}
		if got.BusinessHours.Days[time.Monday].Open != 9*60 {
			t.Fatalf("cached service lost its hours: %+v", got)
		}
	}
	if inner.calls != 1 {
		t.Fatalf("expected one backing lookup, got %d", inner.calls)
	}
	for i := 0; i < 2; i++ {
		if _, err := c.GetService(ctx, "clinic", "surgery"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	}
	if inner.calls != 3 {
		t.Fatalf("misses must not be cached, got %d calls", inner.calls)
	}
	if err := c.Invalidate(ctx, "clinic", "grooming"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if _, err := c.GetService(ctx, "clinic", "grooming"); err != nil || inner.calls != 4 {
		t.Fatalf("expected reload after invalidate, calls=%d err=%v", inner.calls, err)
	}
}
