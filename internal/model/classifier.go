package model

import (
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

// Device selects where a Classifier runs. It is passed explicitly to each
// classifier instead of being chosen once per process.
type Device struct {
	// Kind is "cpu" or "cuda".
	Kind string `toml:"kind"`
	// ID is the CUDA device ordinal.
	ID int `toml:"id"`
}

// CPU is the default device.
var CPU = Device{Kind: "cpu"}

func (d Device) String() string {
	if strings.EqualFold(d.Kind, "cuda") {
		return "cuda:" + strconv.Itoa(d.ID)
	}
	return "cpu"
}

// ParseDevice parses "cpu", "cuda" or "cuda:N".
func ParseDevice(s string) (Device, error) {
	kind, id, hasID := strings.Cut(strings.ToLower(strings.TrimSpace(s)), ":")
	switch kind {
	case "", "cpu":
		if hasID {
			return Device{}, errors.Errorf("invalid device %q", s)
		}
		return CPU, nil
	case "cuda":
		d := Device{Kind: "cuda"}
		if hasID {
			n, err := strconv.Atoi(id)
			if err != nil || n < 0 {
				return Device{}, errors.Errorf("invalid device %q", s)
			}
			d.ID = n
		}
		return d, nil
	}
	return Device{}, errors.Errorf("unsupported device %q", s)
}

// Options configures NewClassifier.
type Options struct {
	ModelPath    string
	MetadataPath string
	// SharedLibraryPath points at the onnxruntime shared library. Empty uses
	// the library's default search.
	SharedLibraryPath string
	Device            Device
	// IntraOpThreads of 0 lets onnxruntime decide.
	IntraOpThreads int
}

// Classifier runs an exported image classifier with onnxruntime. Input and
// output tensors are bound to the session, so Predict calls are serialized.
type Classifier struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	metadata     Metadata
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
}

// NewClassifier initializes the onnxruntime environment, if no other
// Classifier holds it, and loads the model described by opts.
func NewClassifier(opts Options) (*Classifier, error) {
	metadata, err := LoadMetadata(opts.MetadataPath)
	if err != nil {
		return nil, err
	}

	if err := acquireEnvironment(opts.SharedLibraryPath); err != nil {
		return nil, err
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(metadata.InputShape...))
	if err != nil {
		releaseEnvironment()
		return nil, errors.Wrap(err, "failed to create input tensor")
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(metadata.OutputShape...))
	if err != nil {
		inputTensor.Destroy()
		releaseEnvironment()
		return nil, errors.Wrap(err, "failed to create output tensor")
	}

	options, err := sessionOptions(opts)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		releaseEnvironment()
		return nil, err
	}
	defer options.Destroy()

	session, err := ort.NewAdvancedSession(opts.ModelPath,
		[]string{metadata.InputName}, []string{metadata.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		options)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		releaseEnvironment()
		return nil, errors.Wrap(err, "failed to create ONNX session")
	}

	return &Classifier{
		session:      session,
		metadata:     metadata,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, nil
}

// sessionOptions maps the configured device onto an execution provider.
func sessionOptions(opts Options) (*ort.SessionOptions, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create session options")
	}
	if err := options.SetIntraOpNumThreads(opts.IntraOpThreads); err != nil {
		options.Destroy()
		return nil, errors.Wrap(err, "failed to set intra-op threads")
	}

	switch strings.ToLower(opts.Device.Kind) {
	case "", "cpu":
	case "cuda":
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			options.Destroy()
			return nil, errors.Wrap(err, "failed to create CUDA options")
		}
		defer cuda.Destroy()
		if err := cuda.Update(map[string]string{"device_id": strconv.Itoa(opts.Device.ID)}); err != nil {
			options.Destroy()
			return nil, errors.Wrap(err, "failed to configure CUDA options")
		}
		if err := options.AppendExecutionProviderCUDA(cuda); err != nil {
			options.Destroy()
			return nil, errors.Wrap(err, "failed to enable CUDA")
		}
	default:
		options.Destroy()
		return nil, errors.Errorf("unsupported device %q", opts.Device.Kind)
	}
	return options, nil
}

// Metadata returns the loaded model metadata.
func (c *Classifier) Metadata() Metadata {
	return c.metadata
}

// Predict runs one preprocessed input through the model.
func (c *Classifier) Predict(inputData []float32) (*Prediction, error) {
	if want := c.metadata.InputSize(); len(inputData) != want {
		return nil, errors.Errorf("expected %d input values, got %d", want, len(inputData))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		return nil, errors.New("classifier is closed")
	}
	copy(c.inputTensor.GetData(), inputData)
	if err := c.session.Run(); err != nil {
		return nil, errors.Wrap(err, "inference failed")
	}

	return NewPrediction(c.metadata.Classes, c.outputTensor.GetData())
}

// Close releases the session and its tensors. The process-wide onnxruntime
// environment is destroyed once the last open Classifier is closed. Close is
// idempotent.
func (c *Classifier) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		return
	}

	if c.inputTensor != nil {
		c.inputTensor.Destroy()
		c.inputTensor = nil
	}
	if c.outputTensor != nil {
		c.outputTensor.Destroy()
		c.outputTensor = nil
	}
	if c.session != nil {
		c.session.Destroy()
		c.session = nil
	}
	releaseEnvironment()
}

// The onnxruntime environment is shared by every Classifier in the process.
// It is reference counted so closing one classifier leaves the others usable.
var (
	envMu   sync.Mutex
	envRefs int

	ortIsInitialized      = ort.IsInitialized
	ortSetLibraryPath     = ort.SetSharedLibraryPath
	ortInitialize         = ort.InitializeEnvironment
	ortDestroyEnvironment = ort.DestroyEnvironment
)

func acquireEnvironment(libraryPath string) error {
	envMu.Lock()
	defer envMu.Unlock()

	if envRefs == 0 && !ortIsInitialized() {
		if libraryPath != "" {
			ortSetLibraryPath(libraryPath)
		}
		if err := ortInitialize(); err != nil {
			return errors.Wrap(err, "failed to initialize ONNX environment")
		}
	}
	envRefs++
	return nil
}

func releaseEnvironment() {
	envMu.Lock()
	defer envMu.Unlock()

	if envRefs == 0 {
		return
	}
	envRefs--
	if envRefs == 0 {
		ortDestroyEnvironment()
	}
}
