package database

import (
	"context"
	"database/sql"
	"fmt"
)

// schema is applied in order; every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS services (
		tenant_id         VARCHAR(64)  NOT NULL,
		id                VARCHAR(64)  NOT NULL,
		name              VARCHAR(255) NOT NULL DEFAULT '',
		duration_minutes  INT          NOT NULL,
		slot_step_minutes INT          NOT NULL DEFAULT 0,
		hold_ttl_seconds  INT          NOT NULL DEFAULT 0,
		time_zone         VARCHAR(64)  NOT NULL DEFAULT 'UTC',
		created_at        DATETIME     NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at        DATETIME     NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
		PRIMARY KEY (tenant_id, id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS service_hours (
		tenant_id    VARCHAR(64) NOT NULL,
		service_id   VARCHAR(64) NOT NULL,
		weekday      TINYINT     NOT NULL,
		open_minute  SMALLINT    NOT NULL,
		close_minute SMALLINT    NOT NULL,
		PRIMARY KEY (tenant_id, service_id, weekday),
		CONSTRAINT fk_hours_service FOREIGN KEY (tenant_id, service_id)
			REFERENCES services (tenant_id, id) ON DELETE CASCADE
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS appointments (
		ref              CHAR(36)     NOT NULL,
		reservation_id   CHAR(36)     NOT NULL,
		session_id       VARCHAR(128) NOT NULL,
		tenant_id        VARCHAR(64)  NOT NULL,
		service_id       VARCHAR(64)  NOT NULL,
		date             DATE         NOT NULL,
		start_minute     SMALLINT     NOT NULL,
		duration_minutes INT          NOT NULL,
		client_name      VARCHAR(255) NOT NULL DEFAULT '',
		client_email     VARCHAR(255) NOT NULL DEFAULT '',
		client_phone     VARCHAR(64)  NOT NULL DEFAULT '',
		pet_name         VARCHAR(255) NOT NULL DEFAULT '',
		notes            TEXT,
		status           ENUM('CONFIRMED','CANCELLED') NOT NULL DEFAULT 'CONFIRMED',
		created_at       DATETIME     NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (ref),
		UNIQUE KEY uq_reservation (reservation_id),
		UNIQUE KEY uq_slot (tenant_id, service_id, date, start_minute),
		KEY idx_tenant_date (tenant_id, date)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

// EnsureSchema creates the tables used by the service catalog and the
// appointment store when they do not exist yet.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i+1, err)
		}
	}
	return nil
}
