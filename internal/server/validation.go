package server

import (
	"strings"
	"sync"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

var validatorOnce sync.Once

// registerValidators adds the model-URL validation used by entry binding
// tags. Looks accept absolute http(s) URLs or paths served by this process,
// and must point at a GLB model.
func registerValidators() {
	validatorOnce.Do(func() {
		engine, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		_ = engine.RegisterValidation("glburl", func(fl validator.FieldLevel) bool {
			return validGLBURL(fl.Field().String())
		})
	})
}

func validGLBURL(value string) bool {
	if !strings.HasPrefix(value, "https://") &&
		!strings.HasPrefix(value, "http://") &&
		!strings.HasPrefix(value, "/") {
		return false
	}
	path := value
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return strings.HasSuffix(strings.ToLower(path), ".glb")
}
