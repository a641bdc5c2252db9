package device

// Tensor represents a 2-D array of float32 values. Activations are stored
// row-major with one row per token, so a batch of B sequences of length S
// over a d-dimensional stream is a (B*S, d) tensor.
type Tensor interface {
	// Dims returns the dimensions (rows, cols) of the tensor.
	Dims() (int, int)

	// At returns the value at (i, j).
	// This is often slow and should be used for debugging or infrequent access.
	At(i, j int) float32

	// Set sets the value at (i, j).
	Set(i, j int, v float32)

	// Data returns the underlying slice if contiguous (nil for transposed views).
	Data() []float32

	// ToHost copies the data to a Go slice in logical row-major order.
	ToHost() []float32

	// CopyFromFloat32 copies data from a Go slice into the tensor.
	CopyFromFloat32(data []float32)

	// Copy copies content from another tensor of the same shape.
	Copy(from Tensor)

	// Slice copies rows [i, k) and cols [j, l) into a new tensor.
	Slice(i, k, j, l int) Tensor

	// T returns the transpose view. Data is shared, not copied.
	T() Tensor

	// Mul performs matrix multiplication: t = a * b
	Mul(a, b Tensor)

	// Add performs element-wise addition: t = t + other
	Add(other Tensor)

	// Scale performs: t = t * val
	Scale(val float32)

	// AddBias adds a bias vector to every row.
	AddBias(bias []float32)

	// Softmax applies row-wise softmax in-place.
	Softmax()

	// Gelu applies GELU in-place.
	Gelu()

	// LayerNorm normalizes each row in-place with the given gain and shift.
	LayerNorm(gamma, beta []float32, eps float32)

	// Gather collects rows based on indices. Returns a new tensor.
	Gather(indices []int) Tensor

	// Row returns the contiguous backing slice for row i.
	// Only valid on non-transposed tensors.
	Row(i int) []float32
}

// Backend creates tensors and manages device memory. The evaluation run
// selects one backend at start; tensors from different backends never mix.
type Backend interface {
	Name() string
	NewTensor(r, c int, data []float32) Tensor

	// GetTensor gets a zeroed tensor from the pool or creates a new one.
	GetTensor(r, c int) Tensor

	// PutTensor returns a tensor to the pool.
	PutTensor(t Tensor)

	// Synchronize blocks until all queued operations are complete.
	Synchronize()
}
