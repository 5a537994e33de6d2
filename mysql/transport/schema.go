package transport

import (
	"fmt"

	"github.com/velmie/sqlbus/mysql"
)

const queueSchemaTemplate = `CREATE TABLE IF NOT EXISTS %[1]s (
	id BIGINT NOT NULL AUTO_INCREMENT,
	priority INT NOT NULL,
	expiration DATETIME(6) NOT NULL,
	visible DATETIME(6) NOT NULL,
	headers LONGBLOB NOT NULL,
	body LONGBLOB NOT NULL,%[2]s
	PRIMARY KEY (priority, id),
	KEY idx_id (id)
) ENGINE=InnoDB
----
CREATE INDEX idx_receive ON %[1]s (priority DESC, visible ASC, id ASC, expiration ASC)
----
CREATE INDEX idx_expiration ON %[1]s (expiration ASC)
`

const leaseColumns = `
	leaseduntil DATETIME(6) NULL,
	leasedby VARCHAR(200) NULL,
	leasedat DATETIME(6) NULL,`

// Schema kinds identify queue tables in the migration log.
const (
	QueueSchemaKind      = "queue"
	LeaseQueueSchemaKind = "lease-queue"
)

// QueueSchema returns the step script creating a row-lock queue table.
func QueueSchema(table mysql.TableName) string {
	return fmt.Sprintf(queueSchemaTemplate, table.Qualified(), "")
}

// LeaseQueueSchema returns the step script creating a lease queue table.
func LeaseQueueSchema(table mysql.TableName) string {
	return fmt.Sprintf(queueSchemaTemplate, table.Qualified(), leaseColumns)
}
