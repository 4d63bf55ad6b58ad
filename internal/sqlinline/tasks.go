package sqlinline

const taskColumns = `id::text, workspace_id::text, kind, status, progress, retry_count, error_message,
  result_refs, params, cost, reservation_id::text, parent_task_id::text, cancel_requested,
  created_at, started_at, completed_at, updated_at`

const QInsertTask = `--sql 7066bb2b-ba3b-41a2-aaf0-cf269ffe8332
insert into tasks(
  id,
  workspace_id,
  kind,
  status,
  progress,
  retry_count,
  result_refs,
  params,
  cost,
  reservation_id,
  parent_task_id,
  cancel_requested,
  created_at,
  updated_at
) values (
  $1::uuid,
  $2::uuid,
  $3::text,
  'queued',
  0,
  0,
  '[]'::jsonb,
  coalesce($4::jsonb, '{}'::jsonb),
  $5::bigint,
  $6::uuid,
  nullif($7::text, '')::uuid,
  false,
  now(),
  now()
) returning created_at;
`

const QSelectTaskByID = `--sql a6131247-43c1-438c-9f8d-bde45a215dbc
select ` + taskColumns + `
from tasks
where id = $1::uuid
limit 1;
`

// QTransitionTask is the compare-and-set on status. Progress only grows.
const QTransitionTask = `--sql 72f7d066-a27c-4dbe-a267-e5430c36d6a4
update tasks
set status        = $3::text,
    progress      = greatest(progress, least(100, coalesce($4::int, progress))),
    retry_count   = coalesce($5::int, retry_count),
    error_message = coalesce($6::text, error_message),
    result_refs   = coalesce($7::jsonb, result_refs),
    started_at    = coalesce($8::timestamptz, started_at),
    completed_at  = coalesce($9::timestamptz, completed_at),
    updated_at    = now()
where id = $1::uuid
  and status = $2::text
returning ` + taskColumns + `;
`

const QRequestTaskCancel = `--sql bdab7700-8ce7-4290-b8a4-fce281ed5f99
update tasks
set cancel_requested = true,
    updated_at = now()
where id = $1::uuid
  and status in ('queued', 'processing')
returning ` + taskColumns + `;
`

const QListQueuedTasks = `--sql 3c283210-e7ea-49df-b2e6-f2c11c2f722f
select id::text
from tasks
where status = 'queued'
order by created_at asc
limit $1::int;
`
