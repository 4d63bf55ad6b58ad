package sqlinline

// TaskQueuedChannel is the LISTEN/NOTIFY channel carrying queued task ids.
const TaskQueuedChannel = "task_queued"

const QNotifyTaskQueued = `--sql 421c4064-3301-443a-8d43-98c644195ff8
select pg_notify('task_queued', $1::text);
`
