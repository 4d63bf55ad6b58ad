package sqlinline

// QSelectIntegrationToken returns the provider key and the model pinned
// alongside it, if any.
const QSelectIntegrationToken = `--sql 5e7b64b1-533b-45d1-a082-fdfccb79946b
select token, coalesce(properties->>'model', '') as model
from integration_tokens
where provider = $1::text;
`

// QUpsertIntegrationToken rotates a provider key. Properties merge so a key
// rotation without --model keeps the pinned model.
const QUpsertIntegrationToken = `--sql 2cfc9ac2-a9ba-498b-926a-88ef74d291bd
insert into integration_tokens (provider, token, properties)
values ($1::text, $2::text, coalesce($3::jsonb, '{}'::jsonb))
on conflict (provider) do update set
    token = excluded.token,
    properties = integration_tokens.properties || excluded.properties,
    updated_at = now();
`

// QDeleteIntegrationToken drops a provider key so workers fall back to the
// environment or to synthetic generation.
const QDeleteIntegrationToken = `--sql 0b9c4e27-61d8-4f3a-9e55-2a7d3c8f14b6
delete from integration_tokens
where provider = $1::text;
`
