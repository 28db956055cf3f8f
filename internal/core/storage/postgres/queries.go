package postgres

// SQL queries for actor state: durable timers, pending evaluations and the
// per-account click log with its watermarks.

const (
	// queryArmTimer inserts a timer for (kind, actor_key).
	// ON CONFLICT DO NOTHING keeps an already armed timer and its fire time;
	// RowsAffected tells the caller whether this call armed it.
	queryArmTimer = `
		INSERT INTO actor_timers (kind, actor_key, fire_at, armed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (kind, actor_key) DO NOTHING
	`

	queryDisarmTimer = `
		DELETE FROM actor_timers
		WHERE kind = $1 AND actor_key = $2
	`

	// queryLoadTimers is read once at startup to rebuild the in-memory schedule.
	queryLoadTimers = `
		SELECT kind, actor_key, fire_at
		FROM actor_timers
		ORDER BY fire_at ASC
	`

	queryLoadPendingEvaluation = `
		SELECT payload, attempts, updated_at
		FROM pending_evaluations
		WHERE link_id = $1
	`

	// queryUpsertPendingEvaluation keeps only the latest payload per link.
	queryUpsertPendingEvaluation = `
		INSERT INTO pending_evaluations (link_id, payload, attempts, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (link_id) DO UPDATE SET
			payload    = EXCLUDED.payload,
			attempts   = EXCLUDED.attempts,
			updated_at = EXCLUDED.updated_at
	`

	queryDeletePendingEvaluation = `DELETE FROM pending_evaluations WHERE link_id = $1`

	queryListPendingEvaluationKeys = `SELECT link_id FROM pending_evaluations ORDER BY link_id ASC`

	queryAppendClick = `
		INSERT INTO geo_link_clicks (account_id, latitude, longitude, country, time)
		VALUES ($1, $2, $3, $4, $5)
	`

	// queryRetrieveClicksAfter reads one delivery batch.
	// seq breaks ties between clicks sharing a timestamp in insertion order.
	queryRetrieveClicksAfter = `
		SELECT latitude, longitude, country, time
		FROM geo_link_clicks
		WHERE account_id = $1
		  AND time > $2
		ORDER BY time ASC, seq ASC
	`

	queryLoadWatermarks = `
		SELECT high_watermark, low_watermark
		FROM click_watermarks
		WHERE account_id = $1
	`

	queryUpsertWatermarks = `
		INSERT INTO click_watermarks (account_id, high_watermark, low_watermark, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_id) DO UPDATE SET
			high_watermark = EXCLUDED.high_watermark,
			low_watermark  = EXCLUDED.low_watermark,
			updated_at     = EXCLUDED.updated_at
	`

	queryDeleteClicksBefore = `
		DELETE FROM geo_link_clicks
		WHERE account_id = $1
		  AND time < $2
	`

	// queryListUndeliveredClickKeys finds accounts with clicks past their high watermark.
	queryListUndeliveredClickKeys = `
		SELECT DISTINCT c.account_id
		FROM geo_link_clicks c
		LEFT JOIN click_watermarks w ON w.account_id = c.account_id
		WHERE c.time > COALESCE(w.high_watermark, 0)
		ORDER BY c.account_id ASC
	`
)
