package bigquery

import "embed"

// Migrations holds the dataset's DDL, one NNNN_name.sql file per version.
// Files use {{PROJECT_ID}} and {{DATASET_ID}} placeholders.
//
//go:embed migrations/*.sql
var Migrations embed.FS
