package ident

import (
	"testing"

	"ustr"
)

func TestSetGetDel(t *testing.T) {
	c := New(8)
	n := ustr.Ustr("a")
	if _, ok := c.Get(n); ok {
		t.Fatal("should not be present")
	}
	c.Set(n, 42)
	v, ok := c.Get(n)
	if !ok || v != 42 {
		t.Fatalf("got %d, %v", v, ok)
	}
	c.Set(n, 43)
	v, _ = c.Get(n)
	if v != 43 {
		t.Fatalf("overwrite failed, got %d", v)
	}
	c.Del(n)
	if _, ok := c.Get(n); ok {
		t.Fatal("should be deleted")
	}
}
