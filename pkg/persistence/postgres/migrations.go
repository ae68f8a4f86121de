package postgres

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE workflow_definitions (
				id UUID PRIMARY KEY,
				workflow_group_id UUID NOT NULL,
				name VARCHAR(255) NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				version INTEGER NOT NULL,
				status VARCHAR(50) NOT NULL,
				nodes JSONB NOT NULL DEFAULT '[]',
				connections JSONB NOT NULL DEFAULT '[]',
				owner VARCHAR(255) NOT NULL DEFAULT '',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				published_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_workflow_definitions_group ON workflow_definitions(workflow_group_id);
			CREATE INDEX idx_workflow_definitions_status ON workflow_definitions(status);
			CREATE INDEX idx_workflow_definitions_owner ON workflow_definitions(owner);
			CREATE UNIQUE INDEX idx_workflow_definitions_group_version ON workflow_definitions(workflow_group_id, version);

			CREATE TABLE execution_instances (
				id UUID PRIMARY KEY,
				workflow_id UUID NOT NULL,
				workflow_group_id UUID NOT NULL,
				workflow_version INTEGER NOT NULL,
				lead_id VARCHAR(255) NOT NULL,
				status VARCHAR(50) NOT NULL,
				current_node_id VARCHAR(255) NOT NULL DEFAULT '',
				steps JSONB NOT NULL DEFAULT '[]',
				rule_usage JSONB NOT NULL DEFAULT '{}',
				dispatch_attempts INTEGER NOT NULL DEFAULT 0,
				next_scheduled_at TIMESTAMP WITH TIME ZONE,
				cancelled_at TIMESTAMP WITH TIME ZONE,
				failure_reason TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				waiting_nodes JSONB NOT NULL DEFAULT '[]',
				revision BIGINT NOT NULL DEFAULT 0
			);

			CREATE INDEX idx_execution_instances_lead ON execution_instances(lead_id);
			CREATE INDEX idx_execution_instances_group ON execution_instances(workflow_group_id);
			CREATE INDEX idx_execution_instances_status ON execution_instances(status);

			CREATE TABLE follow_up_rules (
				id VARCHAR(255) PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				trigger_signal VARCHAR(50) NOT NULL,
				delay_ns BIGINT NOT NULL DEFAULT 0,
				channel VARCHAR(50) NOT NULL,
				template_ref VARCHAR(255) NOT NULL,
				max_attempts INTEGER NOT NULL,
				conditions JSONB NOT NULL DEFAULT '{}',
				stats JSONB NOT NULL DEFAULT '{}',
				enabled BOOLEAN NOT NULL DEFAULT true,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_follow_up_rules_enabled ON follow_up_rules(enabled);
			CREATE INDEX idx_follow_up_rules_trigger ON follow_up_rules(trigger_signal);

			CREATE TABLE leads (
				id VARCHAR(255) PRIMARY KEY,
				email VARCHAR(255) NOT NULL DEFAULT '',
				phone VARCHAR(64) NOT NULL DEFAULT '',
				name VARCHAR(255) NOT NULL DEFAULT '',
				company VARCHAR(255) NOT NULL DEFAULT '',
				industry VARCHAR(255) NOT NULL DEFAULT '',
				score DOUBLE PRECISION NOT NULL DEFAULT 0,
				engagement_level VARCHAR(50) NOT NULL DEFAULT '',
				timezone VARCHAR(64) NOT NULL DEFAULT '',
				attributes JSONB NOT NULL DEFAULT '{}',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE TABLE join_arrivals (
				instance_id UUID NOT NULL,
				node_id VARCHAR(255) NOT NULL,
				arrived_from JSONB NOT NULL DEFAULT '[]',
				first_arrival TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				PRIMARY KEY (instance_id, node_id)
			);

			CREATE TABLE recurring_schedules (
				id VARCHAR(255) PRIMARY KEY,
				workflow_id UUID NOT NULL,
				node_id VARCHAR(255) NOT NULL,
				cron_expression VARCHAR(255) NOT NULL,
				next_due_at TIMESTAMP WITH TIME ZONE NOT NULL,
				active BOOLEAN NOT NULL DEFAULT true,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_recurring_schedules_due ON recurring_schedules(next_due_at) WHERE active;
			CREATE INDEX idx_recurring_schedules_workflow ON recurring_schedules(workflow_id);
		`,
	}
}
