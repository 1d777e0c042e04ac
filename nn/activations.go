package nn

import (
	"fmt"
	"math"
	"strings"
)

// ActivationType defines the activation applied after a convolution
type ActivationType int

const (
	ActivationLinear    ActivationType = 0 // v
	ActivationReLU      ActivationType = 1 // max(0, v)
	ActivationSigmoid   ActivationType = 2 // 1 / (1 + exp(-v))
	ActivationTanh      ActivationType = 3 // tanh(v)
	ActivationLeakyReLU ActivationType = 4 // v if v >= 0, else v * 0.1
)

// Activate applies the activation function to a single value
func Activate[T Numeric](v T, activation ActivationType) T {
	switch activation {
	case ActivationReLU:
		if v < 0 {
			return 0
		}
		return v
	case ActivationSigmoid:
		return T(1.0 / (1.0 + math.Exp(-float64(v))))
	case ActivationTanh:
		return T(math.Tanh(float64(v)))
	case ActivationLeakyReLU:
		if v < 0 {
			return T(float64(v) * 0.1)
		}
		return v
	default:
		return v
	}
}

func (a ActivationType) String() string {
	switch a {
	case ActivationLinear:
		return "linear"
	case ActivationReLU:
		return "relu"
	case ActivationSigmoid:
		return "sigmoid"
	case ActivationTanh:
		return "tanh"
	case ActivationLeakyReLU:
		return "leaky_relu"
	default:
		return fmt.Sprintf("activation(%d)", int(a))
	}
}

// ParseActivation converts a name ("relu", "linear", ...) to an ActivationType.
// An empty name is linear.
func ParseActivation(s string) (ActivationType, error) {
	switch strings.ToLower(s) {
	case "", "linear", "none":
		return ActivationLinear, nil
	case "relu":
		return ActivationReLU, nil
	case "sigmoid":
		return ActivationSigmoid, nil
	case "tanh":
		return ActivationTanh, nil
	case "leaky_relu", "leakyrelu":
		return ActivationLeakyReLU, nil
	default:
		return 0, fmt.Errorf("unknown activation %q", s)
	}
}
