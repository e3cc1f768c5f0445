package store

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS listing_performance (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    listing_id   TEXT NOT NULL,
    host_id      TEXT NOT NULL DEFAULT '',
    week_start   DATE NOT NULL,
    week_end     DATE NOT NULL,
    week_label   TEXT NOT NULL DEFAULT '',
    appearances  INTEGER NOT NULL DEFAULT 0 CHECK (appearances >= 0),
    views        INTEGER NOT NULL DEFAULT 0 CHECK (views >= 0),
    bookings     INTEGER NOT NULL DEFAULT 0 CHECK (bookings >= 0),
    source       TEXT NOT NULL,
    ingested_at  DATETIME NOT NULL,
    UNIQUE(listing_id, week_start, source)
);

CREATE INDEX IF NOT EXISTS idx_perf_week ON listing_performance(week_start);
CREATE INDEX IF NOT EXISTS idx_perf_listing_week ON listing_performance(listing_id, week_start);

CREATE TABLE IF NOT EXISTS listing_metrics (
    id                       INTEGER PRIMARY KEY AUTOINCREMENT,
    listing_id               TEXT NOT NULL,
    week_start               DATE NOT NULL,
    appearances              INTEGER NOT NULL,
    views                    INTEGER NOT NULL,
    bookings                 INTEGER NOT NULL,
    view_rate                REAL,
    conversion_rate          REAL,
    search_to_booking_rate   REAL,
    wow_appearances          REAL,
    wow_views                REAL,
    wow_bookings             REAL,
    history_weeks            INTEGER NOT NULL DEFAULT 0,
    avg_appearances          REAL,
    avg_views                REAL,
    avg_bookings             REAL,
    baseline_view_rate       REAL,
    baseline_conversion_rate REAL,
    computed_at              DATETIME NOT NULL,
    UNIQUE(listing_id, week_start)
);

CREATE TABLE IF NOT EXISTS alerts (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    listing_id       TEXT NOT NULL,
    alert_date       DATE NOT NULL,
    severity_score   INTEGER NOT NULL,
    severity_level   TEXT NOT NULL,
    issues           TEXT NOT NULL DEFAULT '[]',
    current_metrics  TEXT NOT NULL DEFAULT '{}',
    baseline_metrics TEXT NOT NULL DEFAULT '{}',
    recommendation   TEXT NOT NULL DEFAULT '',
    delivered_to     TEXT NOT NULL DEFAULT '',
    delivered_at     DATETIME,
    resolved         BOOLEAN NOT NULL DEFAULT 0,
    resolved_at      DATETIME,
    resolved_notes   TEXT NOT NULL DEFAULT '',
    created_at       DATETIME NOT NULL,
    updated_at       DATETIME NOT NULL,
    UNIQUE(listing_id, alert_date)
);

CREATE INDEX IF NOT EXISTS idx_alerts_open ON alerts(resolved, severity_score);
CREATE INDEX IF NOT EXISTS idx_alerts_date ON alerts(alert_date);

CREATE TABLE IF NOT EXISTS alert_history (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    listing_id     TEXT NOT NULL,
    month          TEXT NOT NULL,
    total_alerts   INTEGER NOT NULL DEFAULT 0,
    critical_count INTEGER NOT NULL DEFAULT 0,
    high_count     INTEGER NOT NULL DEFAULT 0,
    medium_count   INTEGER NOT NULL DEFAULT 0,
    low_count      INTEGER NOT NULL DEFAULT 0,
    avg_score      REAL NOT NULL DEFAULT 0,
    computed_at    DATETIME NOT NULL,
    UNIQUE(listing_id, month)
);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS listing_performance (
    id           BIGSERIAL PRIMARY KEY,
    listing_id   TEXT NOT NULL,
    host_id      TEXT NOT NULL DEFAULT '',
    week_start   DATE NOT NULL,
    week_end     DATE NOT NULL,
    week_label   TEXT NOT NULL DEFAULT '',
    appearances  BIGINT NOT NULL DEFAULT 0 CHECK (appearances >= 0),
    views        BIGINT NOT NULL DEFAULT 0 CHECK (views >= 0),
    bookings     BIGINT NOT NULL DEFAULT 0 CHECK (bookings >= 0),
    source       TEXT NOT NULL,
    ingested_at  TIMESTAMPTZ NOT NULL,
    UNIQUE(listing_id, week_start, source)
);

CREATE INDEX IF NOT EXISTS idx_perf_week ON listing_performance(week_start);
CREATE INDEX IF NOT EXISTS idx_perf_listing_week ON listing_performance(listing_id, week_start);

CREATE TABLE IF NOT EXISTS listing_metrics (
    id                       BIGSERIAL PRIMARY KEY,
    listing_id               TEXT NOT NULL,
    week_start               DATE NOT NULL,
    appearances              BIGINT NOT NULL,
    views                    BIGINT NOT NULL,
    bookings                 BIGINT NOT NULL,
    view_rate                DOUBLE PRECISION,
    conversion_rate          DOUBLE PRECISION,
    search_to_booking_rate   DOUBLE PRECISION,
    wow_appearances          DOUBLE PRECISION,
    wow_views                DOUBLE PRECISION,
    wow_bookings             DOUBLE PRECISION,
    history_weeks            INTEGER NOT NULL DEFAULT 0,
    avg_appearances          DOUBLE PRECISION,
    avg_views                DOUBLE PRECISION,
    avg_bookings             DOUBLE PRECISION,
    baseline_view_rate       DOUBLE PRECISION,
    baseline_conversion_rate DOUBLE PRECISION,
    computed_at              TIMESTAMPTZ NOT NULL,
    UNIQUE(listing_id, week_start)
);

CREATE TABLE IF NOT EXISTS alerts (
    id               BIGSERIAL PRIMARY KEY,
    listing_id       TEXT NOT NULL,
    alert_date       DATE NOT NULL,
    severity_score   INTEGER NOT NULL,
    severity_level   TEXT NOT NULL,
    issues           TEXT NOT NULL DEFAULT '[]',
    current_metrics  TEXT NOT NULL DEFAULT '{}',
    baseline_metrics TEXT NOT NULL DEFAULT '{}',
    recommendation   TEXT NOT NULL DEFAULT '',
    delivered_to     TEXT NOT NULL DEFAULT '',
    delivered_at     TIMESTAMPTZ,
    resolved         BOOLEAN NOT NULL DEFAULT FALSE,
    resolved_at      TIMESTAMPTZ,
    resolved_notes   TEXT NOT NULL DEFAULT '',
    created_at       TIMESTAMPTZ NOT NULL,
    updated_at       TIMESTAMPTZ NOT NULL,
    UNIQUE(listing_id, alert_date)
);

CREATE INDEX IF NOT EXISTS idx_alerts_open ON alerts(resolved, severity_score);
CREATE INDEX IF NOT EXISTS idx_alerts_date ON alerts(alert_date);

CREATE TABLE IF NOT EXISTS alert_history (
    id             BIGSERIAL PRIMARY KEY,
    listing_id     TEXT NOT NULL,
    month          TEXT NOT NULL,
    total_alerts   INTEGER NOT NULL DEFAULT 0,
    critical_count INTEGER NOT NULL DEFAULT 0,
    high_count     INTEGER NOT NULL DEFAULT 0,
    medium_count   INTEGER NOT NULL DEFAULT 0,
    low_count      INTEGER NOT NULL DEFAULT 0,
    avg_score      DOUBLE PRECISION NOT NULL DEFAULT 0,
    computed_at    TIMESTAMPTZ NOT NULL,
    UNIQUE(listing_id, month)
);
`
