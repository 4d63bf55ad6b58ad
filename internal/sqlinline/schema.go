package sqlinline

// QSchema is idempotent; taskctl migrate runs it on every deploy.
const QSchema = `--sql a2ae0e61-ed0b-41d8-881a-80f1011b83d3
create extension if not exists pgcrypto;

create table if not exists credit_accounts (
  workspace_id uuid primary key,
  balance bigint not null default 0 check (balance >= 0),
  reserved bigint not null default 0 check (reserved >= 0),
  version bigint not null default 0,
  updated_at timestamptz not null default now(),
  constraint credit_accounts_available_check check (balance - reserved >= 0)
);

create table if not exists credit_reservations (
  id uuid primary key,
  workspace_id uuid not null references credit_accounts(workspace_id),
  amount bigint not null check (amount > 0),
  state text not null check (state in ('held', 'finalized', 'released')),
  created_at timestamptz not null default now(),
  settled_at timestamptz
);

create index if not exists credit_reservations_held_idx
  on credit_reservations(workspace_id) where state = 'held';

create table if not exists tasks (
  id uuid primary key,
  workspace_id uuid not null,
  kind text not null check (kind in ('copy', 'image', 'video')),
  status text not null check (status in ('queued', 'processing', 'completed', 'failed')),
  progress int not null default 0 check (progress between 0 and 100),
  retry_count int not null default 0,
  error_message text,
  result_refs jsonb not null default '[]'::jsonb,
  params jsonb not null default '{}'::jsonb,
  cost bigint not null default 0,
  reservation_id uuid references credit_reservations(id),
  parent_task_id uuid references tasks(id),
  cancel_requested boolean not null default false,
  created_at timestamptz not null default now(),
  started_at timestamptz,
  completed_at timestamptz,
  updated_at timestamptz not null default now()
);

create index if not exists tasks_queued_idx on tasks(created_at) where status = 'queued';
create index if not exists tasks_workspace_idx on tasks(workspace_id, created_at desc);

create table if not exists upload_assets (
  id uuid primary key,
  workspace_id uuid not null,
  filename text not null,
  content_type text not null,
  storage_status text not null check (storage_status in ('pendingUpload', 'uploaded', 'failed')),
  storage_path text not null,
  declared_size bigint not null check (declared_size > 0),
  confirmed_size bigint,
  checksum text,
  failure_reason text,
  expires_at timestamptz not null,
  created_at timestamptz not null default now(),
  updated_at timestamptz not null default now()
);

create index if not exists upload_assets_pending_idx
  on upload_assets(expires_at) where storage_status = 'pendingUpload';

create table if not exists integration_tokens (
  id uuid primary key default gen_random_uuid(),
  provider text not null unique,
  token text not null,
  properties jsonb not null default '{}'::jsonb,
  created_at timestamptz not null default now(),
  updated_at timestamptz not null default now()
);
`
