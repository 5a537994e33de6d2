package outboxstore

import (
	"fmt"

	"github.com/velmie/sqlbus/mysql"
)

type queries struct {
	insert                   string
	selectPending            string
	selectPendingCorrelation string
	hasMessages              string
	deleteSent               string
	countPending             string
}

func newQueries(table mysql.TableName) queries {
	name := table.Qualified()
	cols := "id, correlation_id, message_id, source_queue, destination_address, headers, body"

	return queries{
		insert: fmt.Sprintf(
			"INSERT INTO %s (correlation_id, message_id, source_queue, destination_address, headers, body) VALUES (?, ?, ?, ?, ?, ?)",
			name,
		),
		selectPending: fmt.Sprintf(
			"SELECT %s FROM %s WHERE sent = 0 ORDER BY id ASC LIMIT ? FOR UPDATE SKIP LOCKED",
			cols,
			name,
		),
		selectPendingCorrelation: fmt.Sprintf(
			"SELECT %s FROM %s WHERE sent = 0 AND correlation_id = ? ORDER BY id ASC LIMIT ? FOR UPDATE SKIP LOCKED",
			cols,
			name,
		),
		hasMessages: fmt.Sprintf(
			"SELECT EXISTS (SELECT 1 FROM %s WHERE message_id = ? AND source_queue = ?)",
			name,
		),
		deleteSent: fmt.Sprintf(
			"DELETE FROM %s WHERE sent = 1 AND sent_at < UTC_TIMESTAMP(6) - INTERVAL ? MICROSECOND ORDER BY id LIMIT ?",
			name,
		),
		countPending: fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE sent = 0", name),
	}
}

func buildMarkSentQuery(table mysql.TableName, count int) string {
	return fmt.Sprintf("UPDATE %s SET sent = 1, sent_at = UTC_TIMESTAMP(6) WHERE id IN (%s)", table.Qualified(), mysql.Placeholders(count))
}
