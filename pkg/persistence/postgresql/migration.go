package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE executions (
				id VARCHAR(255) PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				state_machine VARCHAR(255) NOT NULL,
				status VARCHAR(50) NOT NULL CHECK (status IN ('running', 'succeeded', 'failed', 'cancelled')),
				input JSONB NOT NULL DEFAULT '{}',
				cursor JSONB,
				outcome JSONB,
				error_message TEXT NOT NULL DEFAULT '',
				error_kind VARCHAR(100) NOT NULL DEFAULT '',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				completed_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_executions_status ON executions(status);
			CREATE INDEX idx_executions_created_at ON executions(created_at);
		`,
		2: `
			ALTER TABLE executions ADD COLUMN history JSONB NOT NULL DEFAULT '[]';
		`,
		3: `
			ALTER TABLE executions ADD COLUMN owner VARCHAR(255) NOT NULL DEFAULT '';
			ALTER TABLE executions ADD COLUMN lease_until TIMESTAMP WITH TIME ZONE;
		`,
	}
}
