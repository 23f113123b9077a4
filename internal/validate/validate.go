// Package validate holds the request-body validation rules for the three
// HTTP operations (spec.md §4.6). Each function returns the first violated
// rule as a plain error; handlers write it as a 400 via
// respond.WriteBadRequest.
package validate

import "fmt"

// NonEmpty requires v to be a non-empty string, reporting field by name.
func NonEmpty(field, v string) error {
	if v == "" {
		return fmt.Errorf("%s is required", field)
	}
	return nil
}

// GetSts validates a get_sts request body.
func GetSts(playerURL string) error {
	return NonEmpty("player_url", playerURL)
}

// ResolveUrl validates a resolve_url request body.
func ResolveUrl(playerURL, streamURL string) error {
	if err := NonEmpty("player_url", playerURL); err != nil {
		return err
	}
	return NonEmpty("stream_url", streamURL)
}
