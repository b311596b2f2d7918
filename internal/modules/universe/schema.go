package universe

// Schema holds the universe database tables: ranked screen snapshots
// keyed by evaluation date, and daily price candles.
const Schema = `
CREATE TABLE IF NOT EXISTS snapshots (
    evaluation_date   TEXT    NOT NULL,
    ticker            TEXT    NOT NULL,
    name              TEXT    NOT NULL DEFAULT '',
    sector            TEXT    NOT NULL DEFAULT '',
    market_cap        REAL    NOT NULL DEFAULT 0,
    beta              REAL    NOT NULL DEFAULT 1,
    ranking_score     REAL    NOT NULL DEFAULT 0,
    earnings_yield    REAL    NOT NULL DEFAULT 0,
    return_on_capital REAL    NOT NULL DEFAULT 0,
    quality_score     REAL    NOT NULL DEFAULT 0,
    PRIMARY KEY (evaluation_date, ticker)
);

CREATE INDEX IF NOT EXISTS idx_snapshots_date ON snapshots(evaluation_date);

CREATE TABLE IF NOT EXISTS prices (
    ticker TEXT NOT NULL,
    date   TEXT NOT NULL,
    open   REAL NOT NULL,
    high   REAL NOT NULL,
    low    REAL NOT NULL,
    close  REAL NOT NULL,
    volume REAL NOT NULL DEFAULT 0,
    PRIMARY KEY (ticker, date)
);

CREATE INDEX IF NOT EXISTS idx_prices_date ON prices(date);
`
