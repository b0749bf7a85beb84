package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// schema is applied statement by statement; every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS ticket_types (
		id                 BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
		event_id           BIGINT UNSIGNED NOT NULL,
		name               VARCHAR(128)    NOT NULL,
		kind               ENUM('GENERAL_ADMISSION','SEATED') NOT NULL DEFAULT 'GENERAL_ADMISSION',
		total_capacity     INT UNSIGNED    NOT NULL,
		available_capacity INT UNSIGNED    NOT NULL,
		reserved_count     INT UNSIGNED    NOT NULL DEFAULT 0,
		sold_count         INT UNSIGNED    NOT NULL DEFAULT 0,
		min_per_order      INT UNSIGNED    NOT NULL DEFAULT 1,
		max_per_order      INT UNSIGNED    NOT NULL DEFAULT 0,
		price_cents        INT UNSIGNED    NOT NULL DEFAULT 0,
		currency           CHAR(3)         NOT NULL DEFAULT 'USD',
		status             ENUM('ACTIVE','RETIRED') NOT NULL DEFAULT 'ACTIVE',
		version            BIGINT UNSIGNED NOT NULL DEFAULT 1,
		etag_value         VARCHAR(160)    NOT NULL DEFAULT '',
		etag_updated_at    DATETIME(6)     NOT NULL,
		created_at         DATETIME(6)     NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
		KEY idx_ticket_types_event (event_id),
		CONSTRAINT chk_ticket_types_available CHECK (available_capacity <= total_capacity),
		CONSTRAINT chk_ticket_types_ledger CHECK (available_capacity + reserved_count + sold_count <= total_capacity)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS allocations (
		id                 BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
		ticket_type_id     BIGINT UNSIGNED NOT NULL,
		name               VARCHAR(128)    NOT NULL,
		access_code_hash   CHAR(64)        NOT NULL,
		total_quantity     INT UNSIGNED    NOT NULL,
		allocated_quantity INT UNSIGNED    NOT NULL DEFAULT 0,
		used_quantity      INT UNSIGNED    NOT NULL DEFAULT 0,
		starts_at          DATETIME(6)     NOT NULL,
		ends_at            DATETIME(6)     NOT NULL,
		KEY idx_allocations_lookup (ticket_type_id, access_code_hash),
		CONSTRAINT fk_allocations_ticket_type FOREIGN KEY (ticket_type_id) REFERENCES ticket_types (id),
		CONSTRAINT chk_allocations_quantities CHECK (used_quantity <= allocated_quantity AND allocated_quantity <= total_quantity)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS seats (
		id                     BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
		venue_id               BIGINT UNSIGNED NOT NULL,
		ticket_type_id         BIGINT UNSIGNED NULL,
		allocation_id          BIGINT UNSIGNED NULL,
		section                VARCHAR(32)     NOT NULL,
		section_priority       INT UNSIGNED    NOT NULL DEFAULT 0,
		row_label              VARCHAR(8)      NOT NULL,
		seat_number            INT UNSIGNED    NOT NULL,
		status                 ENUM('AVAILABLE','HELD','SOLD','BLOCKED') NOT NULL DEFAULT 'AVAILABLE',
		current_reservation_id CHAR(36)        NULL,
		reserved_until         DATETIME(6)     NULL,
		version                BIGINT UNSIGNED NOT NULL DEFAULT 1,
		etag_value             VARCHAR(160)    NOT NULL DEFAULT '',
		etag_updated_at        DATETIME(6)     NOT NULL,
		UNIQUE KEY uq_seats_position (venue_id, section, row_label, seat_number),
		KEY idx_seats_candidates (ticket_type_id, status, section_priority),
		CONSTRAINT fk_seats_ticket_type FOREIGN KEY (ticket_type_id) REFERENCES ticket_types (id),
		CONSTRAINT fk_seats_allocation FOREIGN KEY (allocation_id) REFERENCES allocations (id),
		CONSTRAINT chk_seats_hold CHECK (status <> 'HELD' OR (current_reservation_id IS NOT NULL AND reserved_until IS NOT NULL))
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS reservations (
		id                 CHAR(36)        NOT NULL PRIMARY KEY,
		event_id           BIGINT UNSIGNED NOT NULL,
		holder_id          VARCHAR(128)    NOT NULL,
		status             ENUM('ACTIVE','CONFIRMED','CANCELLED','EXPIRED','RELEASED') NOT NULL,
		total_amount_cents BIGINT UNSIGNED NOT NULL DEFAULT 0,
		currency           CHAR(3)         NOT NULL DEFAULT 'USD',
		created_at         DATETIME(6)     NOT NULL,
		expires_at         DATETIME(6)     NOT NULL,
		confirmed_at       DATETIME(6)     NULL,
		cancelled_at       DATETIME(6)     NULL,
		released_at        DATETIME(6)     NULL,
		cancel_reason      VARCHAR(255)    NULL,
		KEY idx_reservations_sweep (status, expires_at),
		KEY idx_reservations_holder (holder_id),
		CONSTRAINT chk_reservations_deadline CHECK (expires_at > created_at),
		CONSTRAINT chk_reservations_confirmed CHECK (status <> 'CONFIRMED' OR confirmed_at IS NOT NULL),
		CONSTRAINT chk_reservations_cancelled CHECK (status <> 'CANCELLED' OR cancelled_at IS NOT NULL)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS reservation_items (
		id               BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
		reservation_id   CHAR(36)        NOT NULL,
		ticket_type_id   BIGINT UNSIGNED NOT NULL,
		seat_id          BIGINT UNSIGNED NULL,
		allocation_id    BIGINT UNSIGNED NULL,
		quantity         INT UNSIGNED    NOT NULL,
		unit_price_cents INT UNSIGNED    NOT NULL,
		KEY idx_reservation_items_reservation (reservation_id),
		CONSTRAINT fk_reservation_items_reservation FOREIGN KEY (reservation_id) REFERENCES reservations (id) ON DELETE CASCADE,
		CONSTRAINT fk_reservation_items_ticket_type FOREIGN KEY (ticket_type_id) REFERENCES ticket_types (id),
		CONSTRAINT chk_reservation_items_quantity CHECK (quantity > 0)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

// Migrate creates the inventory tables when they do not exist yet.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("could not apply schema: %w", err)
		}
	}
	return nil
}
