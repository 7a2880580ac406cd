// Package clix maps urfave/cli flag values onto config structs via `cli`
// struct tags, recursing into embedded public structs.
package clix

import (
	"reflect"
	"time"

	"github.com/urfave/cli/v2"
)

func Parse[A any](c *cli.Context) A {

	var cfg A

	var assign func(v interface{})
	assign = func(v interface{}) {
		val := reflect.ValueOf(v).Elem()

		for i := 0; i < val.NumField(); i++ {
			field := val.Field(i)
			fieldType := val.Type().Field(i)

			tag := fieldType.Tag.Get("cli")

			if tag == "" && field.Kind() == reflect.Struct {
				if field.Addr().CanInterface() {
					assign(field.Addr().Interface())
				}
				continue
			}
			if tag == "" {
				continue
			}

			if field.Type() == reflect.TypeOf(time.Duration(0)) {
				field.Set(reflect.ValueOf(c.Duration(tag)))
				continue
			}

			switch field.Kind() {
			case reflect.String:
				field.SetString(c.String(tag))
			case reflect.Int:
				field.SetInt(int64(c.Int(tag)))
			case reflect.Int64:
				field.SetInt(c.Int64(tag))
			case reflect.Uint:
				field.SetUint(uint64(c.Uint(tag)))
			case reflect.Uint64:
				field.SetUint(c.Uint64(tag))
			case reflect.Bool:
				field.SetBool(c.Bool(tag))
			case reflect.Float64:
				field.SetFloat(c.Float64(tag))
			case reflect.Slice:
				switch field.Type() {
				case reflect.TypeOf([]string{}):
					field.Set(reflect.ValueOf(c.StringSlice(tag)))
				case reflect.TypeOf([]int{}):
					field.Set(reflect.ValueOf(c.IntSlice(tag)))
				case reflect.TypeOf([]int64{}):
					field.Set(reflect.ValueOf(c.Int64Slice(tag)))
				}
			}
		}
	}
	assign(&cfg)

	return cfg
}
