package store

// Database schema definitions for the messaging control plane

const createTenantsTable = `
CREATE TABLE IF NOT EXISTS tenants (
    id VARCHAR(255) PRIMARY KEY,
    owner_user_id VARCHAR(255) NOT NULL,
    region VARCHAR(64) NOT NULL DEFAULT '',
    plan_name VARCHAR(64) NOT NULL DEFAULT '',
    max_chips INTEGER NOT NULL DEFAULT 0,
    egress_bytes_per_month BIGINT NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

const createContactsTable = `
CREATE TABLE IF NOT EXISTS contacts (
    id VARCHAR(255) PRIMARY KEY,
    tenant_id VARCHAR(255) NOT NULL,
    name VARCHAR(255) NOT NULL DEFAULT '',
    phone VARCHAR(64) NOT NULL,
    fields JSONB
);
`

const createChipsTable = `
CREATE TABLE IF NOT EXISTS chips (
    id UUID PRIMARY KEY,
    tenant_id VARCHAR(255) NOT NULL,
    alias VARCHAR(255) NOT NULL,
    phone VARCHAR(64) NOT NULL DEFAULT '',
    session_name VARCHAR(255) NOT NULL,
    assignment_id UUID,
    status VARCHAR(32) NOT NULL CHECK (status IN (
        'waiting_qr', 'connecting', 'connected', 'disconnected', 'maturing', 'banned', 'maintenance'
    )),
    health_score INTEGER NOT NULL DEFAULT 100,
    last_activity_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),

    UNIQUE(tenant_id, alias)
);
`

const createChipLinkStatesTable = `
CREATE TABLE IF NOT EXISTS chip_link_states (
    chip_id UUID PRIMARY KEY REFERENCES chips(id) ON DELETE CASCADE,
    session_name VARCHAR(255) NOT NULL,
    fingerprint_epoch INTEGER NOT NULL DEFAULT 0,
    phase VARCHAR(32) NOT NULL,
    last_error TEXT NOT NULL DEFAULT '',
    connected_at TIMESTAMPTZ,
    disconnected_at TIMESTAMPTZ,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

const createEgressIdentitiesTable = `
CREATE TABLE IF NOT EXISTS egress_identities (
    id UUID PRIMARY KEY,
    provider_ref VARCHAR(255) NOT NULL,
    url_template TEXT NOT NULL,
    type VARCHAR(32) NOT NULL CHECK (type IN ('rotating', 'static', 'mobile')),
    region VARCHAR(64) NOT NULL DEFAULT '',
    health_score INTEGER NOT NULL DEFAULT 100 CHECK (health_score BETWEEN 0 AND 100),
    bytes_used BIGINT NOT NULL DEFAULT 0,
    cost_per_gb DECIMAL(20,9) NOT NULL DEFAULT 0,
    active BOOLEAN NOT NULL DEFAULT TRUE,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

const createIdentityAssignmentsTable = `
CREATE TABLE IF NOT EXISTS identity_assignments (
    id UUID PRIMARY KEY,
    chip_id UUID NOT NULL,
    tenant_id VARCHAR(255) NOT NULL,
    identity_id UUID NOT NULL REFERENCES egress_identities(id),
    sticky_token VARCHAR(64) NOT NULL,
    assigned_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    released_at TIMESTAMPTZ
);
`

const createIdentityUsageTable = `
CREATE TABLE IF NOT EXISTS identity_usage (
    id UUID PRIMARY KEY,
    tenant_id VARCHAR(255) NOT NULL,
    chip_id UUID NOT NULL,
    identity_id UUID NOT NULL,
    bytes BIGINT NOT NULL CHECK (bytes >= 0),
    cost DECIMAL(20,9) NOT NULL DEFAULT 0,
    recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

const createCampaignsTable = `
CREATE TABLE IF NOT EXISTS campaigns (
    id UUID PRIMARY KEY,
    tenant_id VARCHAR(255) NOT NULL,
    user_id VARCHAR(255) NOT NULL,
    name VARCHAR(255) NOT NULL,
    type VARCHAR(32) NOT NULL CHECK (type IN ('standard', 'ab_test')),
    template_a TEXT NOT NULL,
    template_b TEXT NOT NULL DEFAULT '',
    variables JSONB,
    contact_ids JSONB NOT NULL,
    status VARCHAR(32) NOT NULL CHECK (status IN (
        'draft', 'scheduled', 'running', 'paused', 'completed', 'cancelled', 'error'
    )),
    pause_reason VARCHAR(255) NOT NULL DEFAULT '',
    settings JSONB NOT NULL,
    contact_count INTEGER NOT NULL DEFAULT 0,
    sent_count INTEGER NOT NULL DEFAULT 0,
    delivered_count INTEGER NOT NULL DEFAULT 0,
    read_count INTEGER NOT NULL DEFAULT 0,
    failed_count INTEGER NOT NULL DEFAULT 0,
    credits_consumed INTEGER NOT NULL DEFAULT 0,
    started_at TIMESTAMPTZ,
    completed_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

const createCampaignMessagesTable = `
CREATE TABLE IF NOT EXISTS campaign_messages (
    id UUID PRIMARY KEY,
    campaign_id UUID NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
    contact_id VARCHAR(255) NOT NULL,
    phone VARCHAR(64) NOT NULL,
    chip_id UUID NOT NULL,
    content TEXT NOT NULL,
    variant VARCHAR(1) NOT NULL DEFAULT 'A',
    status VARCHAR(32) NOT NULL CHECK (status IN ('pending', 'sending', 'sent', 'delivered', 'read', 'failed')),
    attempts INTEGER NOT NULL DEFAULT 0,
    failure_reason TEXT NOT NULL DEFAULT '',
    upstream_id VARCHAR(255) NOT NULL DEFAULT '',
    seq INTEGER NOT NULL,
    sent_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),

    UNIQUE(campaign_id, contact_id)
);
`

const createCreditAccountsTable = `
CREATE TABLE IF NOT EXISTS credit_accounts (
    user_id VARCHAR(255) PRIMARY KEY,
    balance DECIMAL(20,9) NOT NULL DEFAULT 0,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

const createCreditLedgerTable = `
CREATE TABLE IF NOT EXISTS credit_ledger (
    id UUID PRIMARY KEY,
    seq BIGSERIAL,
    user_id VARCHAR(255) NOT NULL REFERENCES credit_accounts(user_id),
    amount DECIMAL(20,9) NOT NULL,
    balance_after DECIMAL(20,9) NOT NULL,
    source VARCHAR(64) NOT NULL,
    reference VARCHAR(255) NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),

    CHECK (amount <> 0)
);
`

const createWarmupCohortsTable = `
CREATE TABLE IF NOT EXISTS warmup_cohorts (
    id UUID PRIMARY KEY,
    tenant_id VARCHAR(255) NOT NULL,
    chip_ids JSONB NOT NULL,
    stages JSONB NOT NULL,
    phase_index INTEGER NOT NULL DEFAULT 0,
    phase_started_at TIMESTAMPTZ NOT NULL,
    status VARCHAR(32) NOT NULL CHECK (status IN ('in_progress', 'paused', 'completed', 'cancelled')),
    message_pool JSONB,
    messages_sent INTEGER NOT NULL DEFAULT 0,
    last_message_at TIMESTAMPTZ,
    pause_reason VARCHAR(255) NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

const createHeatUpStatesTable = `
CREATE TABLE IF NOT EXISTS heatup_states (
    chip_id UUID PRIMARY KEY REFERENCES chips(id) ON DELETE CASCADE,
    cohort_id UUID NOT NULL,
    status VARCHAR(32) NOT NULL,
    messages_sent INTEGER NOT NULL DEFAULT 0,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

const createIndexes = `
CREATE INDEX IF NOT EXISTS idx_contacts_tenant_id ON contacts(tenant_id);
CREATE INDEX IF NOT EXISTS idx_chips_tenant_id ON chips(tenant_id);
CREATE INDEX IF NOT EXISTS idx_chips_status_updated ON chips(status, updated_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_assignments_active_chip ON identity_assignments(chip_id) WHERE released_at IS NULL;
CREATE UNIQUE INDEX IF NOT EXISTS idx_assignments_active_token ON identity_assignments(sticky_token) WHERE released_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_assignments_chip_assigned ON identity_assignments(chip_id, assigned_at DESC);
CREATE INDEX IF NOT EXISTS idx_identity_usage_tenant_recorded ON identity_usage(tenant_id, recorded_at);
CREATE INDEX IF NOT EXISTS idx_campaigns_status ON campaigns(status);
CREATE INDEX IF NOT EXISTS idx_campaign_messages_campaign_seq ON campaign_messages(campaign_id, seq);
CREATE INDEX IF NOT EXISTS idx_credit_ledger_user_seq ON credit_ledger(user_id, seq);
CREATE INDEX IF NOT EXISTS idx_warmup_cohorts_status ON warmup_cohorts(status);
`
