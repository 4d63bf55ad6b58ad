package sqlinline

const uploadColumns = `id::text, workspace_id::text, filename, content_type, storage_status, storage_path,
  declared_size, confirmed_size, checksum, failure_reason, expires_at, created_at, updated_at`

const QInsertUploadAsset = `--sql 809a4054-081b-483f-a7ec-abc1d436c9f1
insert into upload_assets(
  id,
  workspace_id,
  filename,
  content_type,
  storage_status,
  storage_path,
  declared_size,
  expires_at,
  created_at,
  updated_at
) values (
  $1::uuid,
  $2::uuid,
  $3::text,
  $4::text,
  'pendingUpload',
  $5::text,
  $6::bigint,
  $7::timestamptz,
  now(),
  now()
) returning created_at;
`

const QSelectUploadAsset = `--sql 7f74e0aa-b2b1-4d27-b880-068e03bdf383
select ` + uploadColumns + `
from upload_assets
where id = $1::uuid
limit 1;
`

const QTransitionUploadAsset = `--sql 1552b6c8-1fd5-46e2-920d-44bc90377a65
update upload_assets
set storage_status = $3::text,
    confirmed_size = coalesce($4::bigint, confirmed_size),
    checksum       = coalesce($5::text, checksum),
    failure_reason = coalesce($6::text, failure_reason),
    updated_at     = now()
where id = $1::uuid
  and storage_status = $2::text
returning ` + uploadColumns + `;
`

const QListExpiredUploads = `--sql 71e1a99e-01dd-4fea-9334-83d2144cbbd1
select id::text
from upload_assets
where storage_status = 'pendingUpload'
  and expires_at <= $1::timestamptz
order by expires_at asc
limit $2::int;
`
