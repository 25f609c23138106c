package migrate

// DefaultSteps is the ordered migration list for the workspace schema.
// Every statement is idempotent on its own: a step interrupted between
// execution and marker commit can safely re-run.
func DefaultSteps() []Step {
	return []Step{
		{
			Name: "0001_research_projects",
			SQL: `CREATE TABLE IF NOT EXISTS research_projects (
				id         bigserial PRIMARY KEY,
				owner      text NOT NULL,
				title      text NOT NULL,
				created_at timestamptz NOT NULL DEFAULT now()
			)`,
		},
		{
			Name: "0002_desktop_instances",
			SQL: `CREATE TABLE IF NOT EXISTS desktop_instances (
				id           uuid PRIMARY KEY,
				project_id   bigint REFERENCES research_projects (id),
				desktop_type text NOT NULL,
				zone         text NOT NULL,
				status       text NOT NULL DEFAULT 'requested',
				created_at   timestamptz NOT NULL DEFAULT now(),
				deleted_at   timestamptz
			)`,
		},
		{
			Name: "0003_volumes",
			SQL: `CREATE TABLE IF NOT EXISTS volumes (
				id          uuid PRIMARY KEY,
				instance_id uuid REFERENCES desktop_instances (id),
				status      text NOT NULL DEFAULT 'creating',
				shelved     boolean NOT NULL DEFAULT false,
				created_at  timestamptz NOT NULL DEFAULT now()
			)`,
		},
		{
			Name: "0004_expirations",
			SQL: `CREATE TABLE IF NOT EXISTS expirations (
				id         bigserial PRIMARY KEY,
				target     uuid NOT NULL,
				kind       text NOT NULL,
				stage      int NOT NULL DEFAULT 0,
				expires_at timestamptz NOT NULL
			)`,
		},
		{
			Name: "0005_volume_backup_expiration",
			SQL: `ALTER TABLE volumes
				ADD COLUMN IF NOT EXISTS backup_expiration bigint REFERENCES expirations (id)`,
		},
		{
			Name: "0006_instance_console_endpoint",
			SQL: `ALTER TABLE desktop_instances
				ADD COLUMN IF NOT EXISTS console_addr inet,
				ADD COLUMN IF NOT EXISTS console_port int`,
		},
	}
}
