package sqlinline

const QSelectCreditAccount = `--sql 2acadd6c-c54c-4314-98a7-9acc76a31ce7
select workspace_id::text, balance, reserved, version, updated_at
from credit_accounts
where workspace_id = $1::uuid
limit 1;
`

const QGrantCredits = `--sql 44bf9f6f-f851-47bc-b836-43319672fa7b
insert into credit_accounts(workspace_id, balance, reserved, version, updated_at)
values ($1::uuid, $2::bigint, 0, 1, now())
on conflict (workspace_id) do update set
  balance = credit_accounts.balance + excluded.balance,
  version = credit_accounts.version + 1,
  updated_at = now()
where credit_accounts.balance + excluded.balance >= credit_accounts.reserved
returning workspace_id::text, balance, reserved, version, updated_at;
`

// QReserveCredits holds credits only when the available balance covers the
// amount; the conditional update and the reservation insert commit together.
const QReserveCredits = `--sql 22499d9d-0eee-4f20-9286-5137d808e61f
with acct as (
  update credit_accounts
  set reserved = reserved + $3::bigint,
      version = version + 1,
      updated_at = now()
  where workspace_id = $2::uuid
    and balance - reserved >= $3::bigint
  returning workspace_id, balance, reserved, version, updated_at
),
res as (
  insert into credit_reservations(id, workspace_id, amount, state, created_at)
  select $1::uuid, workspace_id, $3::bigint, 'held', now()
  from acct
  returning id
)
select a.workspace_id::text, a.balance, a.reserved, a.version, a.updated_at
from acct a, res;
`

// QSettleReservation moves a held reservation to $2 ('finalized' debits the
// balance, 'released' only frees the hold).
const QSettleReservation = `--sql e878975f-e579-45c0-b3fd-eb2415f56b2b
with res as (
  update credit_reservations
  set state = $2::text,
      settled_at = now()
  where id = $1::uuid
    and state = 'held'
  returning workspace_id, amount
),
acct as (
  update credit_accounts a
  set balance = a.balance - case when $2::text = 'finalized' then res.amount else 0 end,
      reserved = a.reserved - res.amount,
      version = a.version + 1,
      updated_at = now()
  from res
  where a.workspace_id = res.workspace_id
  returning a.workspace_id, a.balance, a.reserved, a.version, a.updated_at
)
select workspace_id::text, balance, reserved, version, updated_at
from acct;
`

const QSelectReservation = `--sql 9772dfa1-a5a9-4d4b-bd29-e051c0d436b4
select id::text, workspace_id::text, amount, state, created_at, settled_at
from credit_reservations
where id = $1::uuid
limit 1;
`
