package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE workflow_instances (
				id UUID PRIMARY KEY,
				resource_id VARCHAR(255) NOT NULL,
				workflow_type VARCHAR(64) NOT NULL,
				owner_id VARCHAR(255),
				status VARCHAR(20) NOT NULL CHECK (status IN ('pending', 'processing', 'completed', 'failed', 'cancelled')),
				steps JSONB NOT NULL,
				progress_percentage INT NOT NULL DEFAULT 0,
				total_cost_cents BIGINT NOT NULL DEFAULT 0,
				counted_job_ids JSONB NOT NULL DEFAULT '[]',
				started_at TIMESTAMP WITH TIME ZONE,
				completed_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_workflow_instances_resource_id ON workflow_instances(resource_id);
			CREATE INDEX idx_workflow_instances_status ON workflow_instances(status);
		`,
		2: `
			CREATE TABLE jobs (
				id VARCHAR(255) PRIMARY KEY,
				resource_id VARCHAR(255) NOT NULL,
				step_name VARCHAR(64) NOT NULL,
				status VARCHAR(20) NOT NULL CHECK (status IN ('pending', 'processing', 'completed', 'failed')),
				progress_percentage INT NOT NULL DEFAULT 0 CHECK (progress_percentage BETWEEN 0 AND 100),
				error_message TEXT,
				output_data JSONB,
				cost_cents BIGINT NOT NULL DEFAULT 0,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_jobs_resource_id ON jobs(resource_id);
		`,
	}
}
