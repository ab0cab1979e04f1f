package database

var schema = []string{`
CREATE TABLE IF NOT EXISTS users (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    tg_user_id BIGINT NOT NULL UNIQUE,
    username VARCHAR(255),
    balance_tokens DECIMAL(12,2) NOT NULL DEFAULT 0,
    is_banned TINYINT(1) NOT NULL DEFAULT 0,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
);`, `
CREATE TABLE IF NOT EXISTS promo_codes (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    code VARCHAR(64) NOT NULL UNIQUE,
    tokens DECIMAL(12,2) NOT NULL,
    max_uses INT NOT NULL,
    uses INT NOT NULL DEFAULT 0,
    expires_at TIMESTAMP NULL DEFAULT NULL,
    created_by BIGINT NOT NULL DEFAULT 0,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);`, `
CREATE TABLE IF NOT EXISTS promo_redemptions (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    user_id BIGINT NOT NULL,
    promo_code_id BIGINT NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    UNIQUE KEY uniq_user_promo (user_id, promo_code_id),
    FOREIGN KEY (user_id) REFERENCES users(id),
    FOREIGN KEY (promo_code_id) REFERENCES promo_codes(id)
);`, `
CREATE TABLE IF NOT EXISTS jobs (
    id CHAR(26) PRIMARY KEY,
    user_id BIGINT NOT NULL,
    chat_id BIGINT NOT NULL DEFAULT 0,
    provider VARCHAR(16) NOT NULL,
    mode VARCHAR(16) NOT NULL,
    prompt_text TEXT NOT NULL,
    negative_prompt TEXT,
    aspect_ratio VARCHAR(8),
    resolution VARCHAR(8),
    reference_url VARCHAR(1024),
    cost DECIMAL(12,2) NOT NULL,
    status VARCHAR(16) NOT NULL,
    provider_job_id VARCHAR(255),
    result_path VARCHAR(1024),
    fail_reason TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
    KEY idx_jobs_user_status (user_id, status),
    FOREIGN KEY (user_id) REFERENCES users(id)
);`}
