package outboxstore

import (
	"fmt"

	"github.com/velmie/sqlbus/mysql"
)

const schemaTemplate = `CREATE TABLE IF NOT EXISTS %[1]s (
	id BIGINT NOT NULL AUTO_INCREMENT,
	correlation_id VARCHAR(16) NULL,
	message_id VARCHAR(255) NULL,
	source_queue VARCHAR(255) NULL,
	destination_address VARCHAR(255) NOT NULL,
	headers LONGTEXT NULL,
	body LONGBLOB NULL,
	sent TINYINT(1) NOT NULL DEFAULT 0,
	sent_at DATETIME(6) NULL,
	PRIMARY KEY (id),
	KEY idx_sent_id (sent, id),
	KEY idx_sent_at (sent, sent_at)
) ENGINE=InnoDB
----
CREATE INDEX idx_correlation_id ON %[1]s (correlation_id)
----
CREATE INDEX idx_message_source ON %[1]s (message_id, source_queue)
`

// SchemaKind identifies outbox tables in the migration log.
const SchemaKind = "outbox"

// Schema returns the step script creating an outbox table.
func Schema(table mysql.TableName) string {
	return fmt.Sprintf(schemaTemplate, table.Qualified())
}
