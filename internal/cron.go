package internal

import (
	"strings"

	"github.com/jsuar/go-cron-descriptor/pkg/crondescriptor"
)

// DescribeCron returns a human readable description of a cron spec, e.g. "Every 30 minutes"
//
// Descriptors (@every, @hourly) are not understood by crondescriptor and are returned as-is
func DescribeCron(cronSpec string) string {
	if strings.HasPrefix(cronSpec, "@") {
		return cronSpec
	}

	cd, err := crondescriptor.NewCronDescriptor(cronSpec)
	if err != nil {
		return cronSpec
	}

	desc, err := cd.GetDescription(crondescriptor.Full)
	if err != nil || desc == nil {
		return cronSpec
	}

	return *desc
}
