package database

// SQL queries for database operations.
// These are organized by entity type and operation.

// Distributed lock queries
const (
	// LockAcquire is the single compare-and-swap statement behind leader
	// election. It succeeds when no row exists, when the existing lease
	// has expired, or when the caller already holds the lock and presents
	// the revision it was last granted. Every success bumps the revision,
	// so revisions act as fencing tokens. No row returned means the lock
	// is held by someone else.
	LockAcquire = `
		INSERT INTO distributed_lock (name, holder_id, revision, expires_at)
		VALUES ($1, $2, 1, NOW() + make_interval(secs => $4))
		ON CONFLICT (name) DO UPDATE
		SET holder_id = EXCLUDED.holder_id,
			revision = distributed_lock.revision + 1,
			expires_at = EXCLUDED.expires_at
		WHERE distributed_lock.expires_at <= NOW()
		   OR (distributed_lock.holder_id = $2 AND distributed_lock.revision = $3)
		RETURNING revision`

	// LockRelease gives up the lock without deleting the row, preserving
	// the revision counter for the next holder.
	LockRelease = `
		UPDATE distributed_lock
		SET holder_id = '', expires_at = NOW()
		WHERE name = $1 AND holder_id = $2`

	// LockGet retrieves the current lock row.
	LockGet = `
		SELECT name, holder_id, revision, expires_at
		FROM distributed_lock
		WHERE name = $1`
)

// Job queries
const (
	// JobInsert inserts a new job.
	JobInsert = `
		INSERT INTO sched_job (
			name, command, args, work_dir, env, executor, container_image,
			timeout_ms, max_retries, retry_interval_ms, resource_limits,
			labels, status, notify_on_failure
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14
		) RETURNING id, created_at, updated_at`

	// JobGetByID retrieves a job by ID.
	JobGetByID = `
		SELECT id, name, command, args, work_dir, env, executor, container_image,
			   timeout_ms, max_retries, retry_interval_ms, resource_limits,
			   labels, status, notify_on_failure, created_at, updated_at
		FROM sched_job
		WHERE id = $1`

	// JobGetByName retrieves a job by name.
	JobGetByName = `
		SELECT id, name, command, args, work_dir, env, executor, container_image,
			   timeout_ms, max_retries, retry_interval_ms, resource_limits,
			   labels, status, notify_on_failure, created_at, updated_at
		FROM sched_job
		WHERE name = $1`

	// JobUpdate updates an existing job.
	JobUpdate = `
		UPDATE sched_job
		SET name = $2, command = $3, args = $4, work_dir = $5, env = $6,
			executor = $7, container_image = $8, timeout_ms = $9,
			max_retries = $10, retry_interval_ms = $11, resource_limits = $12,
			labels = $13, status = $14, notify_on_failure = $15,
			updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`

	// JobDelete deletes a job by ID.
	JobDelete = `DELETE FROM sched_job WHERE id = $1`

	// JobList lists jobs with pagination.
	JobList = `
		SELECT id, name, command, args, work_dir, env, executor, container_image,
			   timeout_ms, max_retries, retry_interval_ms, resource_limits,
			   labels, status, notify_on_failure, created_at, updated_at
		FROM sched_job
		ORDER BY name ASC
		LIMIT $1 OFFSET $2`

	// JobCount counts total jobs.
	JobCount = `SELECT COUNT(*) FROM sched_job`
)

// Schedule queries
const (
	// ScheduleInsert inserts a new schedule.
	ScheduleInsert = `
		INSERT INTO sched_schedule (
			job_id, name, kind, cron_expr, timezone, interval_ms,
			first_delay_ms, execution_count, depends_on, valid_from,
			valid_until, next_fire_at, status
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13
		) RETURNING id, created_at, updated_at`

	// ScheduleGetByID retrieves a schedule by ID.
	ScheduleGetByID = `
		SELECT id, job_id, name, kind, cron_expr, timezone, interval_ms,
			   first_delay_ms, execution_count, depends_on, valid_from,
			   valid_until, next_fire_at, executed_count, status,
			   created_at, updated_at
		FROM sched_schedule
		WHERE id = $1`

	// ScheduleUpdate updates an existing schedule.
	ScheduleUpdate = `
		UPDATE sched_schedule
		SET name = $2, kind = $3, cron_expr = $4, timezone = $5,
			interval_ms = $6, first_delay_ms = $7, execution_count = $8,
			depends_on = $9, valid_from = $10, valid_until = $11,
			next_fire_at = $12, status = $13, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`

	// ScheduleDelete deletes a schedule by ID.
	ScheduleDelete = `DELETE FROM sched_schedule WHERE id = $1`

	// ScheduleList lists schedules with pagination.
	ScheduleList = `
		SELECT id, job_id, name, kind, cron_expr, timezone, interval_ms,
			   first_delay_ms, execution_count, depends_on, valid_from,
			   valid_until, next_fire_at, executed_count, status,
			   created_at, updated_at
		FROM sched_schedule
		ORDER BY name ASC
		LIMIT $1 OFFSET $2`

	// ScheduleListByJob lists schedules for a job.
	ScheduleListByJob = `
		SELECT id, job_id, name, kind, cron_expr, timezone, interval_ms,
			   first_delay_ms, execution_count, depends_on, valid_from,
			   valid_until, next_fire_at, executed_count, status,
			   created_at, updated_at
		FROM sched_schedule
		WHERE job_id = $1
		ORDER BY name ASC`

	// ScheduleListDue lists enabled schedules whose next firing is at or
	// before the given time. Only the leader's scan loop runs this.
	ScheduleListDue = `
		SELECT id, job_id, name, kind, cron_expr, timezone, interval_ms,
			   first_delay_ms, execution_count, depends_on, valid_from,
			   valid_until, next_fire_at, executed_count, status,
			   created_at, updated_at
		FROM sched_schedule
		WHERE status = 'enabled' AND next_fire_at IS NOT NULL AND next_fire_at <= $1
		ORDER BY next_fire_at ASC
		LIMIT $2`

	// ScheduleApplyEvaluation persists the outcome of one evaluation:
	// the recomputed next firing, the bumped execution counter and any
	// status change.
	ScheduleApplyEvaluation = `
		UPDATE sched_schedule
		SET next_fire_at = $2, executed_count = $3, status = $4, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`

	// ScheduleListDependents lists enabled schedules that fire when the
	// given schedule's task completes.
	ScheduleListDependents = `
		SELECT id, job_id, name, kind, cron_expr, timezone, interval_ms,
			   first_delay_ms, execution_count, depends_on, valid_from,
			   valid_until, next_fire_at, executed_count, status,
			   created_at, updated_at
		FROM sched_schedule
		WHERE depends_on = $1 AND status = 'enabled'
		ORDER BY name ASC`

	// ScheduleSetStatus updates only the schedule's status.
	ScheduleSetStatus = `
		UPDATE sched_schedule
		SET status = $2, updated_at = NOW()
		WHERE id = $1`
)

// Task instance queries
const (
	// InstanceInsert inserts a new task instance.
	InstanceInsert = `
		INSERT INTO sched_task_instance (
			job_id, schedule_id, status, scheduled_at, retry_count
		) VALUES (
			$1, $2, $3, $4, $5
		) RETURNING id, created_at, updated_at`

	// InstanceGetByID retrieves a task instance by ID.
	InstanceGetByID = `
		SELECT id, job_id, schedule_id, agent_id, status, scheduled_at,
			   started_at, completed_at, exit_code, output, output_ref,
			   error_message, metrics, retry_count, created_at, updated_at
		FROM sched_task_instance
		WHERE id = $1`

	// InstanceList lists task instances, newest first.
	InstanceList = `
		SELECT id, job_id, schedule_id, agent_id, status, scheduled_at,
			   started_at, completed_at, exit_code, output, output_ref,
			   error_message, metrics, retry_count, created_at, updated_at
		FROM sched_task_instance
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`

	// InstanceListByJob lists task instances for a job.
	InstanceListByJob = `
		SELECT id, job_id, schedule_id, agent_id, status, scheduled_at,
			   started_at, completed_at, exit_code, output, output_ref,
			   error_message, metrics, retry_count, created_at, updated_at
		FROM sched_task_instance
		WHERE job_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`

	// InstanceListByStatus lists task instances by status.
	InstanceListByStatus = `
		SELECT id, job_id, schedule_id, agent_id, status, scheduled_at,
			   started_at, completed_at, exit_code, output, output_ref,
			   error_message, metrics, retry_count, created_at, updated_at
		FROM sched_task_instance
		WHERE status = $1
		ORDER BY scheduled_at ASC
		LIMIT $2 OFFSET $3`

	// InstanceListAcquirable selects pending work for a polling agent:
	// due instances whose job label requirements are contained in the
	// agent's label set, oldest first with ID as the tiebreaker.
	InstanceListAcquirable = `
		SELECT ti.id, ti.job_id, ti.schedule_id, ti.agent_id, ti.status,
			   ti.scheduled_at, ti.started_at, ti.completed_at, ti.exit_code,
			   ti.output, ti.output_ref, ti.error_message, ti.metrics,
			   ti.retry_count, ti.created_at, ti.updated_at,
			   j.id, j.name, j.command, j.args, j.work_dir, j.env, j.executor,
			   j.container_image, j.timeout_ms, j.max_retries, j.retry_interval_ms,
			   j.resource_limits, j.labels, j.status, j.notify_on_failure,
			   j.created_at, j.updated_at
		FROM sched_task_instance ti
		JOIN sched_job j ON j.id = ti.job_id
		WHERE ti.status = 'pending'
		  AND ti.scheduled_at <= $1
		  AND j.status = 'enabled'
		  AND j.labels <@ $2::jsonb
		ORDER BY ti.scheduled_at ASC, ti.id ASC
		LIMIT $3`

	// InstanceAcquire claims one pending instance for an agent. The status
	// guard makes concurrent claims race safely: exactly one wins, the
	// rest see zero rows.
	InstanceAcquire = `
		UPDATE sched_task_instance
		SET status = 'acquired', agent_id = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`

	// InstanceTransition moves an instance to a new status when the
	// current status is one of the allowed sources. Zero rows means either
	// a missing instance or a disallowed transition.
	InstanceTransition = `
		UPDATE sched_task_instance
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)`

	// InstanceMarkStarted records process launch.
	InstanceMarkStarted = `
		UPDATE sched_task_instance
		SET status = 'running', started_at = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'acquired'`

	// InstanceFinish records a terminal outcome.
	InstanceFinish = `
		UPDATE sched_task_instance
		SET status = $2, exit_code = $3, error_message = $4, metrics = $5,
			completed_at = $6, updated_at = NOW()
		WHERE id = $1 AND status = ANY($7)`

	// InstanceStoreOutput stores captured output inline or as an archive
	// reference.
	InstanceStoreOutput = `
		UPDATE sched_task_instance
		SET output = $2, output_ref = $3, updated_at = NOW()
		WHERE id = $1`

	// InstanceListArchivedBefore selects archive references whose instances
	// completed before the retention cutoff.
	InstanceListArchivedBefore = `
		SELECT id, output_ref
		FROM sched_task_instance
		WHERE output_ref IS NOT NULL AND completed_at < $1
		ORDER BY completed_at
		LIMIT $2`

	// InstanceClearOutputRef drops the archive reference once the stored
	// object is gone.
	InstanceClearOutputRef = `
		UPDATE sched_task_instance
		SET output_ref = NULL, updated_at = NOW()
		WHERE id = $1`

	// InstanceRequeueUndelivered returns acquired instances whose
	// TaskAcquired command never reached the agent back to the pending
	// pool. Delivery failure is not an execution attempt, so the retry
	// counter stays untouched.
	InstanceRequeueUndelivered = `
		UPDATE sched_task_instance
		SET status = 'pending', agent_id = NULL, updated_at = NOW()
		WHERE id = ANY($1) AND agent_id = $2 AND status = 'acquired'`

	// InstanceRequeueOrphaned returns instances bound to stale agents to
	// the pending pool with a bumped retry counter, while retries remain.
	InstanceRequeueOrphaned = `
		UPDATE sched_task_instance ti
		SET status = 'pending', agent_id = NULL, started_at = NULL,
			retry_count = ti.retry_count + 1, updated_at = NOW()
		FROM sched_agent a, sched_job j
		WHERE ti.agent_id = a.id AND ti.job_id = j.id
		  AND ti.status IN ('acquired', 'running')
		  AND a.last_heartbeat < $1
		  AND ti.retry_count < j.max_retries
		RETURNING ti.id`

	// InstanceFailOrphaned fails instances bound to stale agents once
	// their retries are exhausted.
	InstanceFailOrphaned = `
		UPDATE sched_task_instance ti
		SET status = 'failed', completed_at = NOW(), updated_at = NOW(),
			error_message = 'agent connection lost and retries exhausted'
		FROM sched_agent a, sched_job j
		WHERE ti.agent_id = a.id AND ti.job_id = j.id
		  AND ti.status IN ('acquired', 'running')
		  AND a.last_heartbeat < $1
		  AND ti.retry_count >= j.max_retries
		RETURNING ti.id`

	// InstanceCountByStatus counts task instances by status.
	InstanceCountByStatus = `
		SELECT status, COUNT(*) as count
		FROM sched_task_instance
		GROUP BY status`
)

// Agent queries
const (
	// AgentUpsert registers an agent or refreshes its registration.
	// Conflicts on name surface as duplicates, which registration
	// handling reports back to the connecting agent.
	AgentUpsert = `
		INSERT INTO sched_agent (
			id, name, address, labels, max_concurrency, status,
			last_heartbeat, registered_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, NOW(), NOW(), NOW()
		)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, address = EXCLUDED.address,
			labels = EXCLUDED.labels, max_concurrency = EXCLUDED.max_concurrency,
			status = EXCLUDED.status, last_heartbeat = NOW(), updated_at = NOW()
		RETURNING registered_at`

	// AgentGetByID retrieves an agent by ID.
	AgentGetByID = `
		SELECT id, name, address, labels, max_concurrency, status,
			   last_heartbeat, registered_at, updated_at
		FROM sched_agent
		WHERE id = $1`

	// AgentGetByName retrieves an agent by name.
	AgentGetByName = `
		SELECT id, name, address, labels, max_concurrency, status,
			   last_heartbeat, registered_at, updated_at
		FROM sched_agent
		WHERE name = $1`

	// AgentList lists all agents with pagination.
	AgentList = `
		SELECT id, name, address, labels, max_concurrency, status,
			   last_heartbeat, registered_at, updated_at
		FROM sched_agent
		ORDER BY name ASC
		LIMIT $1 OFFSET $2`

	// AgentListOnline lists agents with a fresh heartbeat.
	AgentListOnline = `
		SELECT id, name, address, labels, max_concurrency, status,
			   last_heartbeat, registered_at, updated_at
		FROM sched_agent
		WHERE status != 'disconnected'
		  AND last_heartbeat > NOW() - make_interval(secs => $1)
		ORDER BY name ASC`

	// AgentUpdateHeartbeat advances the agent's heartbeat. The WHERE guard
	// keeps heartbeats monotonic when messages arrive out of order, and the
	// CASE keeps a heartbeat from lifting an operator-imposed drain.
	AgentUpdateHeartbeat = `
		UPDATE sched_agent
		SET last_heartbeat = $2,
		    status = CASE WHEN status = 'draining' THEN status ELSE $3 END,
		    updated_at = NOW()
		WHERE id = $1 AND last_heartbeat <= $2`

	// AgentSetStatus updates only the agent's status.
	AgentSetStatus = `
		UPDATE sched_agent
		SET status = $2, updated_at = NOW()
		WHERE id = $1`

	// AgentMarkStaleDisconnected marks agents as disconnected when their
	// heartbeat has gone silent.
	AgentMarkStaleDisconnected = `
		UPDATE sched_agent
		SET status = 'disconnected', updated_at = NOW()
		WHERE status != 'disconnected'
		  AND last_heartbeat < NOW() - make_interval(secs => $1)
		RETURNING id`

	// AgentDelete deletes an agent.
	AgentDelete = `DELETE FROM sched_agent WHERE id = $1`
)
