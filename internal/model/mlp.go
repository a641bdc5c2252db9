package model

import (
	"github.com/bmac3/jacobian-saes/internal/device"
	"github.com/bmac3/jacobian-saes/internal/simd"
)

// MLP is the feed-forward sublayer: WOut·gelu(WIn·x + bIn) + bOut.
// Its weights and the local activation gradient are what the Jacobian
// between the two SAE feature layers is built from.
type MLP struct {
	Backend device.Backend
	WIn     device.Tensor // (hidden, intermediate)
	BIn     []float32
	WOut    device.Tensor // (intermediate, hidden)
	BOut    []float32
}

func NewMLP(config Config, backend device.Backend) *MLP {
	return &MLP{
		Backend: backend,
		WIn:     backend.NewTensor(config.HiddenSize, config.IntermediateSize, nil),
		BIn:     make([]float32, config.IntermediateSize),
		WOut:    backend.NewTensor(config.IntermediateSize, config.HiddenSize, nil),
		BOut:    make([]float32, config.HiddenSize),
	}
}

// Forward computes the MLP output for flattened activations.
func (m *MLP) Forward(x device.Tensor) device.Tensor {
	out, pre := m.forward(x)
	m.Backend.PutTensor(pre)
	return out
}

// ForwardWithGrads additionally returns the elementwise gradient of the
// activation function at the operating point, shaped (rows, intermediate).
// This is the local-linearization term of the Jacobian construction.
func (m *MLP) ForwardWithGrads(x device.Tensor) (out, actGrads device.Tensor) {
	out, pre := m.forward(x)

	rows, inter := pre.Dims()
	actGrads = m.Backend.NewTensor(rows, inter, nil)
	for i := 0; i < rows; i++ {
		simd.GeluGradFast(actGrads.Row(i), pre.Row(i))
	}
	m.Backend.PutTensor(pre)
	return out, actGrads
}

// forward returns the output and the pre-activation (caller releases it).
func (m *MLP) forward(x device.Tensor) (out, pre device.Tensor) {
	rows, _ := x.Dims()
	_, inter := m.WIn.Dims()
	_, hidden := m.WOut.Dims()

	pre = m.Backend.GetTensor(rows, inter)
	pre.Mul(x, m.WIn)
	pre.AddBias(m.BIn)

	hiddenAct := m.Backend.GetTensor(rows, inter)
	hiddenAct.Copy(pre)
	hiddenAct.Gelu()

	out = m.Backend.GetTensor(rows, hidden)
	out.Mul(hiddenAct, m.WOut)
	out.AddBias(m.BOut)
	m.Backend.PutTensor(hiddenAct)
	return out, pre
}
