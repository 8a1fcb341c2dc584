package registry

import "fmt"

// Safe runs a plugin callback and turns a panic into an error.
func Safe(what string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: panic: %v", what, r)
		}
	}()
	return fn()
}
