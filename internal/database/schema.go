package database

// Timestamps are unix seconds so the same queries run on both dialects.

var mysqlSchema = []string{`
CREATE TABLE IF NOT EXISTS plans (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    name VARCHAR(16) NOT NULL UNIQUE,
    display_name VARCHAR(64) NOT NULL,
    monthly_credits INT NOT NULL,
    max_cards INT NOT NULL,
    allowed_qualities VARCHAR(255) NOT NULL DEFAULT '',
    allowed_models TEXT NOT NULL,
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL
)`, `
CREATE TABLE IF NOT EXISTS credit_accounts (
    user_id VARCHAR(64) PRIMARY KEY,
    plan_name VARCHAR(16) NOT NULL,
    current_credits INT NOT NULL DEFAULT 0,
    last_reset_at BIGINT NOT NULL,
    next_reset_at BIGINT NOT NULL,
    is_admin TINYINT(1) NOT NULL DEFAULT 0,
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL,
    INDEX idx_credit_accounts_next_reset (next_reset_at)
)`, `
CREATE TABLE IF NOT EXISTS credit_reset_history (
    id CHAR(36) PRIMARY KEY,
    user_id VARCHAR(64) NOT NULL,
    reset_date BIGINT NOT NULL,
    previous_credits INT NOT NULL,
    new_credits INT NOT NULL,
    plan_name VARCHAR(16) NOT NULL,
    reset_reason VARCHAR(32) NOT NULL,
    INDEX idx_reset_history_user (user_id, reset_date),
    FOREIGN KEY (user_id) REFERENCES credit_accounts(user_id) ON DELETE CASCADE
)`, `
CREATE TABLE IF NOT EXISTS generation_logs (
    id CHAR(36) PRIMARY KEY,
    user_id VARCHAR(64) NOT NULL,
    requested_model VARCHAR(64) NOT NULL,
    model_used VARCHAR(64) NOT NULL,
    prompt TEXT NOT NULL,
    aspect_ratio VARCHAR(32) NOT NULL,
    quality VARCHAR(16) NOT NULL,
    cost INT NOT NULL,
    was_fallback TINYINT(1) NOT NULL DEFAULT 0,
    image_url LONGTEXT NOT NULL,
    created_at BIGINT NOT NULL,
    INDEX idx_generation_logs_user (user_id, created_at)
)`,
}

var sqliteSchema = []string{`
CREATE TABLE IF NOT EXISTS plans (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL UNIQUE,
    display_name TEXT NOT NULL,
    monthly_credits INTEGER NOT NULL,
    max_cards INTEGER NOT NULL,
    allowed_qualities TEXT NOT NULL DEFAULT '',
    allowed_models TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
)`, `
CREATE TABLE IF NOT EXISTS credit_accounts (
    user_id TEXT PRIMARY KEY,
    plan_name TEXT NOT NULL,
    current_credits INTEGER NOT NULL DEFAULT 0,
    last_reset_at INTEGER NOT NULL,
    next_reset_at INTEGER NOT NULL,
    is_admin INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_credit_accounts_next_reset ON credit_accounts (next_reset_at)`, `
CREATE TABLE IF NOT EXISTS credit_reset_history (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL REFERENCES credit_accounts(user_id) ON DELETE CASCADE,
    reset_date INTEGER NOT NULL,
    previous_credits INTEGER NOT NULL,
    new_credits INTEGER NOT NULL,
    plan_name TEXT NOT NULL,
    reset_reason TEXT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_reset_history_user ON credit_reset_history (user_id, reset_date)`, `
CREATE TABLE IF NOT EXISTS generation_logs (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    requested_model TEXT NOT NULL,
    model_used TEXT NOT NULL,
    prompt TEXT NOT NULL,
    aspect_ratio TEXT NOT NULL,
    quality TEXT NOT NULL,
    cost INTEGER NOT NULL,
    was_fallback INTEGER NOT NULL DEFAULT 0,
    image_url TEXT NOT NULL,
    created_at INTEGER NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_generation_logs_user ON generation_logs (user_id, created_at)`,
}
