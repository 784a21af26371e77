// Copyright 2026 The lavse Authors. SPDX-License-Identifier: Apache-2.0

// Package context defines the Context and Variable types: Context organizes the variables (model weights)
// and the hyperparameters of a model, and carries the ambient settings its components need at
// construction: the compute device, the random number generator, the logger and whether it is training.
//
// Components never use global state: the Context is passed explicitly to each constructor.
package context

import (
	"encoding"
	"fmt"
	"iter"
	"math/rand/v2"
	"reflect"
	"strings"

	"github.com/IwenLeeO/lavse/pkg/core/shapes"
	"github.com/IwenLeeO/lavse/pkg/core/tensors"
	"github.com/IwenLeeO/lavse/pkg/ml/initializer"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Context organizes information shared in a model: its variables and its (hyper-)parameters.
//
// Both are organized in "scopes". The Context object is actually a thin wrapper that
// contains the current scope (similar to a current directory) and a link to the actual data. One can change
// scopes by using Context.In("new_scope"): it returns a new Context with the new scope set, but still pointing
// (sharing) all the data with the previous Context. E.g:
//
//	ctx := context.New()
//	ctx.SetParam("k", 4)  // Default bottleneck reduction factor.
//	{
//		ctx := ctx.In("cond_bn")         // Same data, different scope.
//		ctx.SetParam("activation", "relu")  // Only for "cond_bn" and its sub-scopes.
//		...
//	}
//
// Each variable is created once: creating a variable that already exists in the scope panics, which catches two
// layers accidentally sharing a scope.
type Context struct {
	// scope for currently created variables and registration.
	scope string

	// initializer is used to initialize variable values for a given shape.
	initializer VariableInitializer

	// data is shared among all Context references.
	data *contextData
}

// VariableInitializer builds the initial value of a variable: see package initializer.
type VariableInitializer = initializer.Initializer

// scopedVariableMap name to variable within a scope.
type scopedVariableMap map[string]*Variable

// contextData stores all context information and is shared among various Context, which
// serve only as scoped references.
type contextData struct {
	params *scopedParams

	// variablesMap for this context organized per scope.
	variablesMap map[string]scopedVariableMap

	// variables is a plain list of all variables, in creation order.
	variables []*Variable

	// loader, if set, is called to check whether there is a previous value of the variable to use.
	loader Loader

	device   tensors.Device
	training bool
	logger   klog.Logger
	rng      *rand.Rand
}

// Loader can be implemented by any library providing loading of variables for
// Context: e.g. checkpoints.NpzLoader loads pre-trained weights from a `.npz` file.
type Loader interface {
	// LoadVariable tries to load the variable pointed by its scope and name.
	// If it's not found, returns false, and initialization continues as usual.
	LoadVariable(ctx *Context, scope, name string) (value *tensors.Tensor, found bool)
}

const (
	// ScopeSeparator is used between levels of scope. Scope names cannot use this character.
	ScopeSeparator = "/"

	// RootScope is the scope at the very root.
	RootScope = ScopeSeparator
)

// New returns an empty context, associated with freshly created data.
//
// The default variable initializer is initializer.FanInUniform, the compute device is tensors.Host and
// the logger is klog.Background().
func New() *Context {
	ctx := &Context{
		scope:       RootScope,
		initializer: initializer.FanInUniform(),
		data: &contextData{
			params:       newScopedParams(),
			variablesMap: make(map[string]scopedVariableMap),
			device:       tensors.Host,
			logger:       klog.Background(),
		},
	}
	return ctx
}

// copy creates a copy of the Context, but sharing the same "data" component.
func (ctx *Context) copy() *Context {
	ctx2 := &Context{}
	*ctx2 = *ctx
	return ctx2
}

// JoinScope and name into a single string.
// If scope is empty, name is returned.
func JoinScope(scope, name string) string {
	if strings.HasSuffix(scope, ScopeSeparator) {
		return scope + name
	}
	if scope == "" {
		return name
	}
	return scope + ScopeSeparator + name
}

// SplitScope splits the scope from the name for a combined string, typically created by JoinScope.
// If there is no scope configured, scope is set to "".
func SplitScope(scopeAndName string) (scope, name string) {
	if !strings.HasPrefix(scopeAndName, ScopeSeparator) {
		return "", scopeAndName
	}
	separationIdx := strings.LastIndex(scopeAndName, ScopeSeparator)
	name = scopeAndName[separationIdx+1:]
	if separationIdx == 0 {
		scope = RootScope
	} else {
		scope = scopeAndName[:separationIdx]
	}
	return
}

// Scope returns the full scope path.
func (ctx *Context) Scope() string {
	return ctx.scope
}

// EscapeScopeName replaces ScopeSeparator in the string and replaces them by "_".
func EscapeScopeName(scopeName string) string {
	return strings.ReplaceAll(scopeName, ScopeSeparator, "_")
}

// In returns a new reference to the Context with the extra given scope. No ScopeSeparator ("/") is
// allowed in scope.
func (ctx *Context) In(scope string) *Context {
	if scope == "" {
		exceptions.Panicf("cannot use empty scope for Context.In()")
	}
	if strings.Contains(scope, ScopeSeparator) {
		exceptions.Panicf("cannot use separator %q in scope element %q", ScopeSeparator, scope)
	}
	return ctx.InAbsPath(JoinScope(ctx.scope, scope))
}

// Inf returns a new reference to the Context with the extra given scope, given as a format + args,
// which are passed to fmt.Sprintf.
func (ctx *Context) Inf(format string, args ...any) *Context {
	return ctx.In(fmt.Sprintf(format, args...))
}

// InAbsPath returns a new reference to the Context with the extra given scope. It should start and have each element
// separated by ScopeSeparator. Use RootScope for the root scope.
func (ctx *Context) InAbsPath(scopePath string) *Context {
	if !strings.HasPrefix(scopePath, ScopeSeparator) {
		exceptions.Panicf("absolute scope path must start with separator %q, instead got %q", ScopeSeparator, scopePath)
	}
	ctx2 := ctx.copy()
	ctx2.scope = scopePath
	return ctx2
}

// WithInitializer returns a new reference to the Context, with the initializer set.
//
// The initializer is part of the "reference" component of a Context, so this change
// won't affect other context references.
func (ctx *Context) WithInitializer(initializer VariableInitializer) *Context {
	if initializer == nil {
		exceptions.Panicf("Context.WithInitializer passed a nil initializer")
	}
	ctx2 := ctx.copy()
	ctx2.initializer = initializer
	return ctx2
}

// GetParam returns the value for the given param key, searching successively from
// the current scope back to the root scope ("/"), in case the key is not found.
//
// E.g: if current scope is "/a/b", it will search for the key in "/a/b" scope, then
// in "/a" and finally in "/", and return the first result found.
func (ctx *Context) GetParam(key string) (value any, found bool) {
	return ctx.data.params.get(ctx.scope, key)
}

var textUnmarshalerType = reflect.TypeOf((*encoding.TextUnmarshaler)(nil)).Elem()

// MustGetParam is like GetParam, but panics if the parameter is not found, or if it is not of type T.
//
// It tries to cast the value to the given type. If it fails, it tries to convert the
// value to the given type (so an `int` will be converted to a `float64` transparently),
// or, for strings, to unmarshal it if T implements encoding.TextUnmarshaler.
func MustGetParam[T any](ctx *Context, key string) T {
	var t T
	valueAny, found := ctx.GetParam(key)
	if !found {
		exceptions.Panicf("parameter %q (of type %T) not found in scope %q (and its parents)", key, t, ctx.Scope())
	}
	if value, ok := valueAny.(T); ok {
		return value
	}
	v := reflect.ValueOf(valueAny)
	typeOfT := reflect.TypeOf(t)
	valueT := reflect.New(typeOfT)
	if valueT.Type().Implements(textUnmarshalerType) && v.Kind() == reflect.String {
		if err := valueT.Interface().(encoding.TextUnmarshaler).UnmarshalText([]byte(v.String())); err != nil {
			panic(errors.WithMessagef(err, "parameter %q in scope %q", key, ctx.Scope()))
		}
		return valueT.Elem().Interface().(T)
	}
	if !v.IsValid() || !v.CanConvert(typeOfT) {
		exceptions.Panicf("MustGetParam/GetParamOr[%T](ctx, %q): ctx(scope=%q)[%q]=(%T) %#v, and cannot be converted to %T",
			t, key, ctx.Scope(), key, valueAny, valueAny, t)
	}
	return v.Convert(typeOfT).Interface().(T)
}

// GetParamOr either returns the value for the given param key in the context `ctx`,
// searching successively from the current scope back to the root scope ("/"), or if the
// key is not found or the key is set to nil, it returns the given default value.
//
// See MustGetParam for the type conversion rules.
func GetParamOr[T any](ctx *Context, key string, defaultValue T) T {
	valueAny, found := ctx.GetParam(key)
	if !found || valueAny == nil {
		return defaultValue
	}
	return MustGetParam[T](ctx, key)
}

// SetParam sets the given param in the current scope. It will be visible (by GetParam)
// within this scope and descendant scopes (but not by other scopes).
func (ctx *Context) SetParam(key string, value any) {
	ctx.data.params.set(ctx.scope, key, value)
}

// SetParams sets a collection of parameters in the current scope.
func (ctx *Context) SetParams(keyValues map[string]any) {
	for key, value := range keyValues {
		ctx.data.params.set(ctx.scope, key, value)
	}
}

// EnumerateParams enumerates all parameters for all scopes calls fn with their values,
// sorted by scope and key.
func (ctx *Context) EnumerateParams(fn func(scope, key string, value any)) {
	ctx.data.params.enumerate(fn)
}

// VisibleParams returns all parameters visible from the current scope: those set in the scope itself
// and its parents, with deeper scopes taking precedence.
func (ctx *Context) VisibleParams() map[string]any {
	return ctx.data.params.visible(ctx.scope)
}

// GetVariableByScopeAndName returns the variable with the given name in the given scope, or nil if it doesn't exist.
func (ctx *Context) GetVariableByScopeAndName(scope, name string) *Variable {
	scopeVars, found := ctx.data.variablesMap[scope]
	if !found {
		return nil
	}
	return scopeVars[name]
}

// GetVariable returns the variable with the given name in the current scope, or nil if it doesn't exist.
func (ctx *Context) GetVariable(name string) *Variable {
	return ctx.GetVariableByScopeAndName(ctx.scope, name)
}

func (ctx *Context) setVariableInScope(name string, v *Variable) {
	vSet, found := ctx.data.variablesMap[ctx.scope]
	if !found {
		vSet = make(scopedVariableMap)
		ctx.data.variablesMap[ctx.scope] = vSet
	}
	vSet[name] = v
	ctx.data.variables = append(ctx.data.variables, v)
}

// VariableWithShape creates a new variable with the given shape in the current scope.
// The new variable is materialized immediately: if a Loader is configured and has a value for it, that
// value is used (its shape must match, otherwise it panics with shapes.ErrShapeMismatch), otherwise the
// context initializer creates it.
//
// By default, variables are marked as trainable. It panics if the variable already exists.
func (ctx *Context) VariableWithShape(name string, shape shapes.Shape) *Variable {
	if ctx.GetVariable(name) != nil {
		exceptions.Panicf("variable %q for scope %q already exists", name, ctx.scope)
	}
	v := &Variable{
		ctx:       ctx,
		name:      name,
		scope:     ctx.scope,
		shape:     shape.Clone(),
		Trainable: true,
	}
	var value *tensors.Tensor
	if ctx.data.loader != nil {
		if loaded, found := ctx.data.loader.LoadVariable(ctx, ctx.scope, name); found {
			if !loaded.Shape().Equal(shape) {
				panic(errors.Wrapf(shapes.ErrShapeMismatch, "loaded variable %q has shape %s, but the model requires %s",
					v.ScopeAndName(), loaded.Shape(), shape))
			}
			value = loaded
			ctx.Logger().V(2).Info("variable loaded", "variable", v.ScopeAndName(), "shape", shape)
		}
	}
	if value == nil {
		value = ctx.initializer(ctx.Rng(), shape)
	}
	v.value = value.OnDevice(ctx.data.device)
	ctx.setVariableInScope(name, v)
	return v
}

// IterVariables returns an iterator that yields each variable in the context, in creation order.
func (ctx *Context) IterVariables() iter.Seq[*Variable] {
	return func(yield func(*Variable) bool) {
		for _, v := range ctx.data.variables {
			if !yield(v) {
				return
			}
		}
	}
}

// EnumerateVariables calls fn for each variable in the context, in creation order.
func (ctx *Context) EnumerateVariables(fn func(v *Variable)) {
	for v := range ctx.IterVariables() {
		fn(v)
	}
}

// IterVariablesInScope is similar to IterVariables, but enumerates only those under the current
// context scope.
func (ctx *Context) IterVariablesInScope() iter.Seq[*Variable] {
	baseScope := ctx.Scope()
	baseScopeWithSeparator := baseScope + ScopeSeparator
	if baseScope == RootScope {
		baseScopeWithSeparator = baseScope
	}
	return func(yield func(*Variable) bool) {
		for _, v := range ctx.data.variables {
			if v.Scope() == baseScope || strings.HasPrefix(v.Scope(), baseScopeWithSeparator) {
				if !yield(v) {
					return
				}
			}
		}
	}
}

// NumVariables return the number of variables in this Context.
func (ctx *Context) NumVariables() int {
	return len(ctx.data.variables)
}

// NumParameters returns the summed-up number of all variables.
func (ctx *Context) NumParameters() int {
	total := 0
	for v := range ctx.IterVariables() {
		total += v.Shape().Size()
	}
	return total
}

// Memory returns the total number of bytes summed across all variables.
// It does not include associated pointers and structures, just the bytes used by the raw data.
func (ctx *Context) Memory() uintptr {
	total := uintptr(0)
	for v := range ctx.IterVariables() {
		total += v.Shape().Memory()
	}
	return total
}

// Loader returns the current configured Loader for this context.
func (ctx *Context) Loader() Loader {
	return ctx.data.loader
}

// SetLoader configures loader to be used as the default Loader for this Context.
//
// Loader is used just after any new variable is created with VariableWithShape:
// if the Loader has a value for the variable, it is used instead of the initializer.
func (ctx *Context) SetLoader(loader Loader) {
	ctx.data.loader = loader
}

// Device where the model variables are placed and where its computations run.
func (ctx *Context) Device() tensors.Device {
	return ctx.data.device
}

// SetDevice configures the compute device. It must be called before variables are created.
func (ctx *Context) SetDevice(device tensors.Device) {
	if len(ctx.data.variables) > 0 {
		exceptions.Panicf("Context.SetDevice(%s) called after %d variables were already created", device, len(ctx.data.variables))
	}
	ctx.data.device = device
}

// IsTraining returns whether context is being used for training.
// This is only a convention adopted by the library components: e.g. batch normalization uses the batch
// statistics when training, and the running statistics otherwise.
func (ctx *Context) IsTraining() bool {
	return ctx.data.training
}

// SetTraining marks the context as being used for training (or not).
func (ctx *Context) SetTraining(value bool) {
	ctx.data.training = value
}

// Logger returns the logger for the components built with this context.
func (ctx *Context) Logger() klog.Logger {
	return ctx.data.logger
}

// SetLogger configures the logger used by the components built with this context.
func (ctx *Context) SetLogger(logger klog.Logger) {
	ctx.data.logger = logger
}
