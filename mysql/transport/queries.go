package transport

import (
	"fmt"

	"github.com/velmie/sqlbus/mysql"
)

// maxExpiration stands in for "never expires".
const maxExpiration = "9999-12-31 23:59:59.999999"

type queries struct {
	insert       string
	receive      string
	deleteByID   string
	purgeExpired string

	receiveLeased string
	stampLease    string
	renewLease    string
	releaseLease  string
}

func newQueries(table mysql.TableName) queries {
	name := table.Qualified()
	const eligible = "visible < UTC_TIMESTAMP(6) AND expiration > UTC_TIMESTAMP(6)"
	const order = "ORDER BY priority DESC, visible ASC, id ASC LIMIT 1 FOR UPDATE SKIP LOCKED"

	return queries{
		insert: fmt.Sprintf(
			"INSERT INTO %s (priority, visible, expiration, headers, body) VALUES ("+
				"?, DATE_ADD(UTC_TIMESTAMP(6), INTERVAL ? MICROSECOND), "+
				"COALESCE(DATE_ADD(UTC_TIMESTAMP(6), INTERVAL ? MICROSECOND), '%s'), ?, ?)",
			name,
			maxExpiration,
		),
		receive:      fmt.Sprintf("SELECT id, headers, body FROM %s WHERE %s %s", name, eligible, order),
		deleteByID:   fmt.Sprintf("DELETE FROM %s WHERE id = ?", name),
		purgeExpired: fmt.Sprintf("DELETE FROM %s WHERE expiration < UTC_TIMESTAMP(6) ORDER BY expiration LIMIT ?", name),
		receiveLeased: fmt.Sprintf(
			"SELECT id, headers, body FROM %s WHERE %s "+
				"AND (leaseduntil IS NULL OR leaseduntil < DATE_SUB(UTC_TIMESTAMP(6), INTERVAL ? MICROSECOND)) %s",
			name,
			eligible,
			order,
		),
		stampLease: fmt.Sprintf(
			"UPDATE %s SET leaseduntil = DATE_ADD(UTC_TIMESTAMP(6), INTERVAL ? MICROSECOND), "+
				"leasedby = ?, leasedat = UTC_TIMESTAMP(6) WHERE id = ?",
			name,
		),
		renewLease: fmt.Sprintf(
			"UPDATE %s SET leaseduntil = DATE_ADD(UTC_TIMESTAMP(6), INTERVAL ? MICROSECOND) WHERE id = ? AND leasedby = ?",
			name,
		),
		releaseLease: fmt.Sprintf(
			"UPDATE %s SET leaseduntil = NULL, leasedby = NULL, leasedat = NULL WHERE id = ?",
			name,
		),
	}
}
