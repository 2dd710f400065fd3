// Package builtin registers the host-native methods every embedding gets
// for free: Kernel/Object/Integer/Float/String/Array basics implemented in
// Go rather than compiled bytecode. Argument marshalling helpers mirror the
// argv/argc shape the VM core calls native methods with.
package builtin

import (
	"fmt"

	"github.com/hasumikin/co2-demo/rt"
	"github.com/hasumikin/co2-demo/symtab"
)

// GetIntArg returns args[i] as an int64, or ok=false if it is not a FIXNUM.
func GetIntArg(args []rt.Value, i int) (v int64, ok bool) {
	if i < 0 || i >= len(args) || args[i].Tag() != rt.TagFixnum {
		return 0, false
	}
	return args[i].Int(), true
}

// GetFloatArg returns args[i] widened to float64, accepting either a FIXNUM
// or a FLOAT.
func GetFloatArg(args []rt.Value, i int) (v float64, ok bool) {
	if i < 0 || i >= len(args) {
		return 0, false
	}
	switch args[i].Tag() {
	case rt.TagFixnum:
		return float64(args[i].Int()), true
	case rt.TagFloat:
		return args[i].Float(), true
	default:
		return 0, false
	}
}

// GetStringArg returns args[i]'s bytes as a Go string, or ok=false if it is
// not a STRING.
func GetStringArg(args []rt.Value, i int) (v string, ok bool) {
	if i < 0 || i >= len(args) || args[i].Tag() != rt.TagString {
		return "", false
	}
	return args[i].Str().String(), true
}

// Install registers the bootstrap method set on the classes named in
// spec.md's standard hierarchy: Object, Integer, Float, String, Array. It
// creates those classes via shared.Classes if they do not already exist.
func Install(shared *rt.Shared) {
	sym := shared.Symbols

	installKernel(shared.ObjectClass, sym)

	integer := shared.Classes.DefineClass(sym.Intern("Integer"), shared.ObjectClass)
	installInteger(integer, sym)

	float := shared.Classes.DefineClass(sym.Intern("Float"), shared.ObjectClass)
	installFloat(float, sym)

	str := shared.Classes.DefineClass(sym.Intern("String"), shared.ObjectClass)
	installString(str, sym)

	array := shared.Classes.DefineClass(sym.Intern("Array"), shared.ObjectClass)
	installArray(array, sym)
}

func installKernel(object *rt.Class, sym *symtab.Table) {
	object.DefineMethod(sym.Intern("class"), func(vm *rt.VM, self rt.Value, args []rt.Value) rt.Value {
		switch self.Tag() {
		case rt.TagObject:
			return rt.ClassVal(self.Object().Class())
		default:
			return rt.Nil()
		}
	})
	object.DefineMethod(sym.Intern("=="), func(vm *rt.VM, self rt.Value, args []rt.Value) rt.Value {
		if len(args) != 1 {
			return rt.False()
		}
		return rt.Bool(rt.Compare(self, args[0]))
	})
	object.DefineMethod(sym.Intern("nil?"), func(vm *rt.VM, self rt.Value, args []rt.Value) rt.Value {
		return rt.Bool(self.IsNil())
	})
	object.DefineMethod(sym.Intern("to_s"), func(vm *rt.VM, self rt.Value, args []rt.Value) rt.Value {
		return rt.StringVal(rt.NewStr(inspect(self)))
	})
	// sleep is this runtime's one suspension point: it moves the calling VM
	// to StatusWaiting for the given number of scheduler ticks (spec.md
	// §5's "any host-supplied built-in may call sleep... these transition
	// the VM to the waiting state"). The argument counts scheduler ticks,
	// not wall-clock time: the host's timer cadence decides what a tick is.
	object.DefineMethod(sym.Intern("sleep"), func(vm *rt.VM, self rt.Value, args []rt.Value) rt.Value {
		ticks, ok := GetIntArg(args, 0)
		if !ok || ticks <= 0 {
			return rt.Int(0)
		}
		vm.Sleep(int(ticks))
		return rt.Int(ticks)
	})
	object.DefineMethod(sym.Intern("puts"), func(vm *rt.VM, self rt.Value, args []rt.Value) rt.Value {
		w := vm.Console()
		if w == nil {
			return rt.Nil()
		}
		if len(args) == 0 {
			fmt.Fprintln(w)
		}
		for _, a := range args {
			fmt.Fprintln(w, inspect(a))
		}
		return rt.Nil()
	})
}

func installInteger(integer *rt.Class, sym *symtab.Table) {
	integer.DefineMethod(sym.Intern("to_s"), func(vm *rt.VM, self rt.Value, args []rt.Value) rt.Value {
		return rt.StringVal(rt.NewStr(inspect(self)))
	})
	integer.DefineMethod(sym.Intern("to_f"), func(vm *rt.VM, self rt.Value, args []rt.Value) rt.Value {
		return rt.Float(float64(self.Int()))
	})
	integer.DefineMethod(sym.Intern("%"), func(vm *rt.VM, self rt.Value, args []rt.Value) rt.Value {
		if len(args) != 1 {
			return rt.Nil()
		}
		v, err := rt.Mod(self, args[0])
		if err != nil {
			return rt.Nil()
		}
		return v
	})
	integer.DefineMethod(sym.Intern("times"), func(vm *rt.VM, self rt.Value, args []rt.Value) rt.Value {
		n := self.Int()
		if len(args) != 1 || args[0].Tag() != rt.TagProc {
			return self
		}
		block := args[0].Proc()
		for i := int64(0); i < n; i++ {
			vm.Call(block, rt.Nil(), []rt.Value{rt.Int(i)})
			if vm.Broke() {
				break
			}
		}
		return self
	})
}

func installFloat(float *rt.Class, sym *symtab.Table) {
	float.DefineMethod(sym.Intern("to_s"), func(vm *rt.VM, self rt.Value, args []rt.Value) rt.Value {
		return rt.StringVal(rt.NewStr(inspect(self)))
	})
	float.DefineMethod(sym.Intern("to_i"), func(vm *rt.VM, self rt.Value, args []rt.Value) rt.Value {
		return rt.Int(int64(self.Float()))
	})
}

func installString(str *rt.Class, sym *symtab.Table) {
	str.DefineMethod(sym.Intern("length"), func(vm *rt.VM, self rt.Value, args []rt.Value) rt.Value {
		return rt.Int(int64(self.Str().Len()))
	})
	str.DefineMethod(sym.Intern("+"), func(vm *rt.VM, self rt.Value, args []rt.Value) rt.Value {
		if len(args) != 1 || args[0].Tag() != rt.TagString {
			return rt.Nil()
		}
		return rt.StringVal(self.Str().Concat(args[0].Str()))
	})
	str.DefineMethod(sym.Intern("to_s"), func(vm *rt.VM, self rt.Value, args []rt.Value) rt.Value {
		return self
	})
}

func installArray(array *rt.Class, sym *symtab.Table) {
	array.DefineMethod(sym.Intern("length"), func(vm *rt.VM, self rt.Value, args []rt.Value) rt.Value {
		return rt.Int(int64(self.Array().Len()))
	})
	array.DefineMethod(sym.Intern("push"), func(vm *rt.VM, self rt.Value, args []rt.Value) rt.Value {
		for _, a := range args {
			self.Array().Push(a)
		}
		return self
	})
	array.DefineMethod(sym.Intern("[]"), func(vm *rt.VM, self rt.Value, args []rt.Value) rt.Value {
		idx, ok := GetIntArg(args, 0)
		if !ok {
			return rt.Nil()
		}
		return self.Array().Get(int(idx))
	})
	array.DefineMethod(sym.Intern("each"), func(vm *rt.VM, self rt.Value, args []rt.Value) rt.Value {
		if len(args) != 1 || args[0].Tag() != rt.TagProc {
			return self
		}
		block := args[0].Proc()
		arr := self.Array()
		for i := 0; i < arr.Len(); i++ {
			vm.Call(block, rt.Nil(), []rt.Value{arr.Get(i)})
			if vm.Broke() {
				break
			}
		}
		return self
	})
}

// inspect renders a Value for Kernel#to_s. It is intentionally plain: this
// spec does not define a formatting mini-language, only that built-ins can
// produce a STRING from any receiver.
func inspect(v rt.Value) string {
	switch v.Tag() {
	case rt.TagNil:
		return ""
	case rt.TagTrue:
		return "true"
	case rt.TagFalse:
		return "false"
	case rt.TagFixnum:
		return fmt.Sprintf("%d", v.Int())
	case rt.TagFloat:
		return fmt.Sprintf("%g", v.Float())
	case rt.TagString:
		return v.Str().String()
	default:
		return fmt.Sprintf("#<%s>", v.Tag())
	}
}
