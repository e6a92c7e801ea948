package teemo

import "testing"

func TestNewOptionsDefaults(t *testing.T) {
	o := NewOptions()
	if o.ThreadNum != defaultThreadNum {
		t.Fatalf("ThreadNum = %d, want %d", o.ThreadNum, defaultThreadNum)
	}
	if o.TmpExpireSeconds != -1 {
		t.Fatalf("TmpExpireSeconds = %d, want -1 (never)", o.TmpExpireSeconds)
	}
	if o.MaxSpeedBps != -1 {
		t.Fatalf("MaxSpeedBps = %d, want -1 (unlimited)", o.MaxSpeedBps)
	}
}

func TestOptionsCopyIsIndependent(t *testing.T) {
	o := NewOptions()
	c := o.Copy()
	c.ThreadNum = 99
	if o.ThreadNum == 99 {
		t.Fatal("mutating the copy must not affect the original")
	}
}

func TestValidateThreadNumRejectsOverMax(t *testing.T) {
	if _, res := validateThreadNum(maxThreadNum + 1); res != INVALID_THREAD_NUM {
		t.Fatalf("result = %s, want INVALID_THREAD_NUM", res)
	}
}

func TestValidateThreadNumZeroFallsBackToDefault(t *testing.T) {
	n, res := validateThreadNum(0)
	if res != SUCCESSED || n != defaultThreadNum {
		t.Fatalf("got (%d, %s), want (%d, SUCCESSED)", n, res, defaultThreadNum)
	}
}
