package postgres

const (
	migrationLockKey int64 = 7_300_001
	// rateLimitLockSpace 是账号限流 advisory lock 的命名空间
	rateLimitLockSpace int32 = 7_300_002
)

type migration struct {
	version int
	sql     string
}

var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS email_jobs (
	id           BIGSERIAL PRIMARY KEY,
	job_type     VARCHAR(64) NOT NULL,
	payload      JSONB NULL,
	status       VARCHAR(16) NOT NULL DEFAULT 'pending',
	priority     INTEGER NOT NULL DEFAULT 0,
	available_at TIMESTAMPTZ NULL,
	reserved_at  TIMESTAMPTZ NULL,
	reserved_by  VARCHAR(128) NULL,
	attempts     INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 3,
	last_error   TEXT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_email_jobs_reserve
	ON email_jobs (job_type, priority DESC, id) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS idx_email_jobs_reserved_at
	ON email_jobs (reserved_at) WHERE status = 'reserved';

CREATE TABLE IF NOT EXISTS email_rate_limits (
	account_id    BIGINT PRIMARY KEY,
	window_start  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	hourly_sent   INTEGER NOT NULL DEFAULT 0,
	daily_sent    INTEGER NOT NULL DEFAULT 0,
	last_reset_at TIMESTAMPTZ NULL,
	metadata      JSONB NULL
);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS email_folders (
	id             BIGSERIAL PRIMARY KEY,
	account_id     BIGINT NOT NULL,
	remote_name    VARCHAR(255) NOT NULL,
	display_name   VARCHAR(255) NULL,
	type           VARCHAR(32) NOT NULL DEFAULT 'custom',
	sync_token     VARCHAR(255) NULL,
	last_synced_at TIMESTAMPTZ NULL,
	unread_count   INTEGER NOT NULL DEFAULT 0 CHECK (unread_count >= 0),
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (account_id, remote_name)
);

CREATE TABLE IF NOT EXISTS email_threads (
	id                 BIGSERIAL PRIMARY KEY,
	account_id         BIGINT NOT NULL,
	folder_id          BIGINT NULL REFERENCES email_folders(id) ON DELETE SET NULL,
	subject            TEXT NULL,
	snippet            TEXT NULL,
	primary_contact_id BIGINT NULL,
	primary_client_id  BIGINT NULL,
	last_message_at    TIMESTAMPTZ NULL,
	unread_count       INTEGER NOT NULL DEFAULT 0 CHECK (unread_count >= 0),
	flags              JSONB NULL,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_email_threads_subject ON email_threads (account_id, subject, updated_at DESC);

CREATE TABLE IF NOT EXISTS email_messages (
	id                  BIGSERIAL PRIMARY KEY,
	account_id          BIGINT NOT NULL,
	thread_id           BIGINT NULL REFERENCES email_threads(id) ON DELETE SET NULL,
	folder_id           BIGINT NULL REFERENCES email_folders(id) ON DELETE SET NULL,
	direction           VARCHAR(16) NOT NULL DEFAULT 'inbound',
	status              VARCHAR(32) NOT NULL DEFAULT 'received',
	subject             TEXT NULL,
	sender_name         TEXT NULL,
	sender_email        TEXT NOT NULL DEFAULT '',
	to_recipients       JSONB NULL,
	cc_recipients       JSONB NULL,
	bcc_recipients      JSONB NULL,
	external_uid        VARCHAR(255) NULL,
	internet_message_id VARCHAR(512) NULL,
	in_reply_to         TEXT NULL,
	references_header   TEXT NULL,
	sent_at             TIMESTAMPTZ NULL,
	received_at         TIMESTAMPTZ NULL,
	read_at             TIMESTAMPTZ NULL,
	snippet             TEXT NULL,
	body_preview        TEXT NULL,
	size_bytes          BIGINT NOT NULL DEFAULT 0,
	body_text_path      TEXT NULL,
	body_html_path      TEXT NULL,
	headers             JSONB NULL,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_email_messages_external_uid
	ON email_messages (account_id, external_uid) WHERE external_uid IS NOT NULL;
CREATE UNIQUE INDEX IF NOT EXISTS idx_email_messages_internet_id
	ON email_messages (account_id, internet_message_id) WHERE internet_message_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_email_messages_thread ON email_messages (thread_id);

CREATE TABLE IF NOT EXISTS email_message_participants (
	id         BIGSERIAL PRIMARY KEY,
	message_id BIGINT NOT NULL REFERENCES email_messages(id) ON DELETE CASCADE,
	role       VARCHAR(16) NOT NULL,
	name       TEXT NULL,
	email      TEXT NOT NULL,
	contact_id BIGINT NULL,
	client_id  BIGINT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_email_participants_message ON email_message_participants (message_id);
CREATE INDEX IF NOT EXISTS idx_email_participants_email ON email_message_participants (email);

CREATE TABLE IF NOT EXISTS email_attachments (
	id           BIGSERIAL PRIMARY KEY,
	message_id   BIGINT NOT NULL REFERENCES email_messages(id) ON DELETE CASCADE,
	filename     TEXT NOT NULL,
	mime_type    VARCHAR(255) NULL,
	size_bytes   BIGINT NOT NULL DEFAULT 0,
	storage_path TEXT NOT NULL,
	checksum     VARCHAR(128) NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_email_attachments_message ON email_attachments (message_id);
`,
	},
	{
		version: 3,
		sql: `
CREATE TABLE IF NOT EXISTS marketing_contacts (
	id              BIGSERIAL PRIMARY KEY,
	email           VARCHAR(320) NOT NULL UNIQUE,
	status          VARCHAR(32) NOT NULL DEFAULT 'active',
	consent_status  VARCHAR(32) NOT NULL DEFAULT 'pending',
	bounce_count    INTEGER NOT NULL DEFAULT 0,
	complaint_count INTEGER NOT NULL DEFAULT 0,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS email_campaign_batches (
	id              BIGSERIAL PRIMARY KEY,
	campaign        VARCHAR(128) NOT NULL,
	account_id      BIGINT NOT NULL,
	subject         TEXT NOT NULL DEFAULT '',
	body_text       TEXT NULL,
	body_html       TEXT NULL,
	status          VARCHAR(16) NOT NULL DEFAULT 'pending',
	total_count     INTEGER NOT NULL DEFAULT 0,
	processed_count INTEGER NOT NULL DEFAULT 0,
	failed_count    INTEGER NOT NULL DEFAULT 0,
	started_at      TIMESTAMPTZ NULL,
	finished_at     TIMESTAMPTZ NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CHECK (processed_count + failed_count <= total_count)
);

CREATE TABLE IF NOT EXISTS email_sends (
	id             BIGSERIAL PRIMARY KEY,
	batch_id       BIGINT NULL REFERENCES email_campaign_batches(id) ON DELETE SET NULL,
	account_id     BIGINT NOT NULL,
	campaign       VARCHAR(128) NOT NULL,
	reference      VARCHAR(64) NOT NULL,
	recipient_key  VARCHAR(320) NOT NULL,
	recipient      VARCHAR(320) NOT NULL,
	recipient_name TEXT NULL,
	contact_id     BIGINT NULL,
	status         VARCHAR(16) NOT NULL DEFAULT 'pending',
	attempts       INTEGER NOT NULL DEFAULT 0,
	gateway        VARCHAR(64) NULL,
	message_id     VARCHAR(512) NULL,
	last_error     VARCHAR(500) NULL,
	sent_at        TIMESTAMPTZ NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (campaign, reference, recipient_key)
);
CREATE INDEX IF NOT EXISTS idx_email_sends_batch_status ON email_sends (batch_id, status);
`,
	},
	{
		version: 4,
		sql: `
ALTER TABLE email_sends ADD COLUMN IF NOT EXISTS claimed_by VARCHAR(64) NULL;
ALTER TABLE email_sends ADD COLUMN IF NOT EXISTS claimed_at TIMESTAMPTZ NULL;
`,
	},
}
