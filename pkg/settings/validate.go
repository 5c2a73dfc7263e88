package settings

import (
	"fmt"
	"strings"

	"github.com/cohesivestack/valgo"
)

/*
ValidateConnector checks a connector record before it enters the table.
*/
func ValidateConnector(connector *Connector) error {
	validation := valgo.Is(
		valgo.String(connector.ID, "id").Not().Blank(),
		valgo.String(connector.Name, "name").Not().Blank(),
		valgo.String(connector.URL, "url").Not().Blank(),
	)

	if !validation.Valid() {
		return fmt.Errorf("invalid connector: %s", validationSummary(validation))
	}

	if _, err := Origin(connector.URL); err != nil {
		return fmt.Errorf("invalid connector url: %w", err)
	}
	if !strings.HasPrefix(connector.URL, "http://") && !strings.HasPrefix(connector.URL, "https://") {
		return fmt.Errorf("connector url must be http(s): %s", connector.URL)
	}
	return nil
}

func validationSummary(validation *valgo.Validation) string {
	var parts []string
	for name, err := range validation.Errors() {
		parts = append(parts, name+" "+strings.Join(err.Messages(), ", "))
	}
	return strings.Join(parts, "; ")
}
