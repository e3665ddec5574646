// Package postgres inspects the source database outside the replication
// connection: preflight checks, slot listing and RDS IAM authentication.
package postgres

import (
	"strconv"
	"strings"
)

// Option keys understood by this package.
const (
	OptAWSRDSIAM          = "aws_rds_iam"
	OptAWSRegion          = "aws_region"
	OptAWSProfile         = "aws_profile"
	OptAWSRoleARN         = "aws_role_arn"
	OptAWSRoleSessionName = "aws_role_session_name"
	OptAWSRoleExternalID  = "aws_role_external_id"
	OptAWSEndpoint        = "aws_endpoint"
)

func parseBool(raw string, fallback bool) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}
