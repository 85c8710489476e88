// Package match selects recorded interactions for incoming requests during
// replay. Five strategies are supported (exact, method, method_and_params,
// subset, sequential; "fuzzy" is accepted as an alias for subset). When
// several interactions qualify, the matcher hands out the least-used one so
// duplicate requests cycle through distinct recorded responses.
package match
