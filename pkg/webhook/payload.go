package webhook

import (
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/atenni/offboarding-automation/pkg/queue"
)

// requiredFields must be present in every webhook payload.
var requiredFields = []string{"email", "offboarding_date", "snow_id"}

var errNotJSON = errors.New("payload is not a JSON object")

// checkFields checks the incoming payload has the necessary fields.
func checkFields(input string) error {

	if !gjson.Valid(input) || !gjson.Parse(input).IsObject() {
		return errNotJSON
	}

	for _, f := range requiredFields {
		v := gjson.Get(input, f)
		if !v.Exists() {
			return fmt.Errorf("%s is a required property", f)
		}
		if v.Type != gjson.String {
			return fmt.Errorf("%s must be a string", f)
		}
	}
	return nil
}

// parseItem builds a queued item from the payload. Unknown properties are
// ignored.
func parseItem(input string) (queue.Item, error) {

	if err := checkFields(input); err != nil {
		return queue.Item{}, err
	}

	item := queue.Item{
		Email:           gjson.Get(input, "email").String(),
		OffboardingDate: gjson.Get(input, "offboarding_date").String(),
		SnowID:          gjson.Get(input, "snow_id").String(),
		Status:          queue.StatusQueued,
	}
	if err := item.Validate(); err != nil {
		return queue.Item{}, err
	}
	return item, nil
}
