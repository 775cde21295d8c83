package sqlite

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// Timestamps are unix seconds. Versions must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS email_jobs (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	job_type     TEXT NOT NULL,
	payload      TEXT NULL,
	status       TEXT NOT NULL DEFAULT 'pending',
	priority     INTEGER NOT NULL DEFAULT 0,
	available_at INTEGER NULL,
	reserved_at  INTEGER NULL,
	reserved_by  TEXT NULL,
	attempts     INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 3,
	last_error   TEXT NULL,
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_email_jobs_reserve ON email_jobs(job_type, status, priority DESC, id);
CREATE INDEX IF NOT EXISTS idx_email_jobs_status ON email_jobs(status, available_at);

CREATE TABLE IF NOT EXISTS email_rate_limits (
	account_id    INTEGER PRIMARY KEY,
	window_start  INTEGER NOT NULL,
	hourly_sent   INTEGER NOT NULL DEFAULT 0,
	daily_sent    INTEGER NOT NULL DEFAULT 0,
	last_reset_at INTEGER NULL,
	metadata      TEXT NULL
);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS email_folders (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id     INTEGER NOT NULL,
	remote_name    TEXT NOT NULL,
	display_name   TEXT NULL,
	type           TEXT NOT NULL DEFAULT 'custom',
	sync_token     TEXT NULL,
	last_synced_at INTEGER NULL,
	unread_count   INTEGER NOT NULL DEFAULT 0,
	created_at     INTEGER NOT NULL,
	updated_at     INTEGER NOT NULL,
	UNIQUE (account_id, remote_name)
);

CREATE TABLE IF NOT EXISTS email_threads (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id         INTEGER NOT NULL,
	folder_id          INTEGER NULL REFERENCES email_folders(id) ON DELETE SET NULL,
	subject            TEXT NULL,
	snippet            TEXT NULL,
	primary_contact_id INTEGER NULL,
	primary_client_id  INTEGER NULL,
	last_message_at    INTEGER NULL,
	unread_count       INTEGER NOT NULL DEFAULT 0,
	flags              TEXT NULL,
	created_at         INTEGER NOT NULL,
	updated_at         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_email_threads_subject ON email_threads(account_id, subject, updated_at);

CREATE TABLE IF NOT EXISTS email_messages (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id          INTEGER NOT NULL,
	thread_id           INTEGER NULL REFERENCES email_threads(id) ON DELETE SET NULL,
	folder_id           INTEGER NULL REFERENCES email_folders(id) ON DELETE SET NULL,
	direction           TEXT NOT NULL DEFAULT 'inbound',
	status              TEXT NOT NULL DEFAULT 'received',
	subject             TEXT NULL,
	sender_name         TEXT NULL,
	sender_email        TEXT NOT NULL DEFAULT '',
	to_recipients       TEXT NULL,
	cc_recipients       TEXT NULL,
	bcc_recipients      TEXT NULL,
	external_uid        TEXT NULL,
	internet_message_id TEXT NULL,
	in_reply_to         TEXT NULL,
	references_header   TEXT NULL,
	sent_at             INTEGER NULL,
	received_at         INTEGER NULL,
	read_at             INTEGER NULL,
	snippet             TEXT NULL,
	body_preview        TEXT NULL,
	size_bytes          INTEGER NOT NULL DEFAULT 0,
	body_text_path      TEXT NULL,
	body_html_path      TEXT NULL,
	headers             TEXT NULL,
	created_at          INTEGER NOT NULL,
	updated_at          INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_email_messages_external_uid
	ON email_messages(account_id, external_uid) WHERE external_uid IS NOT NULL;
CREATE UNIQUE INDEX IF NOT EXISTS idx_email_messages_internet_id
	ON email_messages(account_id, internet_message_id) WHERE internet_message_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_email_messages_thread ON email_messages(thread_id);

CREATE TABLE IF NOT EXISTS email_message_participants (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id INTEGER NOT NULL REFERENCES email_messages(id) ON DELETE CASCADE,
	role       TEXT NOT NULL,
	name       TEXT NULL,
	email      TEXT NOT NULL,
	contact_id INTEGER NULL,
	client_id  INTEGER NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_email_participants_message ON email_message_participants(message_id);
CREATE INDEX IF NOT EXISTS idx_email_participants_email ON email_message_participants(email);

CREATE TABLE IF NOT EXISTS email_attachments (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id   INTEGER NOT NULL REFERENCES email_messages(id) ON DELETE CASCADE,
	filename     TEXT NOT NULL,
	mime_type    TEXT NULL,
	size_bytes   INTEGER NOT NULL DEFAULT 0,
	storage_path TEXT NOT NULL,
	checksum     TEXT NULL,
	created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_email_attachments_message ON email_attachments(message_id);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
	{
		version: 3,
		sql: `
CREATE TABLE IF NOT EXISTS marketing_contacts (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	email           TEXT NOT NULL UNIQUE,
	status          TEXT NOT NULL DEFAULT 'active',
	consent_status  TEXT NOT NULL DEFAULT 'pending',
	bounce_count    INTEGER NOT NULL DEFAULT 0,
	complaint_count INTEGER NOT NULL DEFAULT 0,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS email_campaign_batches (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	campaign        TEXT NOT NULL,
	account_id      INTEGER NOT NULL,
	subject         TEXT NOT NULL DEFAULT '',
	body_text       TEXT NULL,
	body_html       TEXT NULL,
	status          TEXT NOT NULL DEFAULT 'pending',
	total_count     INTEGER NOT NULL DEFAULT 0,
	processed_count INTEGER NOT NULL DEFAULT 0,
	failed_count    INTEGER NOT NULL DEFAULT 0,
	started_at      INTEGER NULL,
	finished_at     INTEGER NULL,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_email_campaign_batches_status ON email_campaign_batches(status);

CREATE TABLE IF NOT EXISTS email_sends (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	batch_id       INTEGER NULL REFERENCES email_campaign_batches(id) ON DELETE SET NULL,
	account_id     INTEGER NOT NULL,
	campaign       TEXT NOT NULL,
	reference      TEXT NOT NULL,
	recipient_key  TEXT NOT NULL,
	recipient      TEXT NOT NULL,
	recipient_name TEXT NULL,
	contact_id     INTEGER NULL,
	status         TEXT NOT NULL DEFAULT 'pending',
	attempts       INTEGER NOT NULL DEFAULT 0,
	gateway        TEXT NULL,
	message_id     TEXT NULL,
	last_error     TEXT NULL,
	sent_at        INTEGER NULL,
	created_at     INTEGER NOT NULL,
	updated_at     INTEGER NOT NULL,
	UNIQUE (campaign, reference, recipient_key)
);
CREATE INDEX IF NOT EXISTS idx_email_sends_batch_status ON email_sends(batch_id, status);

INSERT INTO schema_version (version) VALUES (3);
`,
	},
	{
		version: 4,
		sql: `
ALTER TABLE email_sends ADD COLUMN claimed_by TEXT NULL;
ALTER TABLE email_sends ADD COLUMN claimed_at INTEGER NULL;

INSERT INTO schema_version (version) VALUES (4);
`,
	},
}
