package config

import "testing"

func TestDefault_IsValid(t *testing.T) {
	opts := Default()
	opts.Server = true
	if err := opts.Validate(); err != nil {
		t.Errorf("default options should validate: %v", err)
	}
}

func TestValidate_KeepaliveRange(t *testing.T) {
	tests := []struct {
		name      string
		keepalive int
		wantErr   bool
	}{
		{"min", 1, false},
		{"max", 30, false},
		{"too low", 0, true},
		{"too high", 31, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			opts := Default()
			opts.Server = true
			opts.Keepalive = tc.keepalive
			err := opts.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() err = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestValidate_RetriesInfiniteAllowed(t *testing.T) {
	opts := Default()
	opts.Server = true
	opts.Retries = RetriesInfinite
	if err := opts.Validate(); err != nil {
		t.Errorf("infinite retries should validate: %v", err)
	}
}

func TestValidate_RetriesAboveFourTimesDefaultFatal(t *testing.T) {
	opts := Default()
	opts.Server = true
	opts.Retries = 4*DefaultRetries + 1
	if err := opts.Validate(); err == nil {
		t.Error("retries above 4x default should be fatal")
	}
}

func TestValidate_RetriesAtFourTimesDefaultOK(t *testing.T) {
	opts := Default()
	opts.Server = true
	opts.Retries = 4 * DefaultRetries
	if err := opts.Validate(); err != nil {
		t.Errorf("retries at 4x default should validate: %v", err)
	}
}

func TestValidate_MTURange(t *testing.T) {
	tests := []struct {
		mtu     int
		wantErr bool
	}{
		{67, true},
		{68, false},
		{65535, false},
		{65536, true},
	}
	for _, tc := range tests {
		opts := Default()
		opts.Server = true
		opts.MTU = tc.mtu
		err := opts.Validate()
		if (err != nil) != tc.wantErr {
			t.Errorf("mtu=%d: Validate() err = %v, wantErr %v", tc.mtu, err, tc.wantErr)
		}
	}
}

func TestValidate_HopsRange(t *testing.T) {
	opts := Default()
	opts.Server = true
	opts.Hops = 254
	if err := opts.Validate(); err != nil {
		t.Errorf("hops=254 should validate: %v", err)
	}
}

func TestValidate_MissingHostWhenClient(t *testing.T) {
	opts := Default()
	opts.Server = false
	opts.Host = ""
	if err := opts.Validate(); err == nil {
		t.Error("missing host in client mode should be fatal")
	}
}

func TestValidate_ServerDoesNotNeedHost(t *testing.T) {
	opts := Default()
	opts.Server = true
	opts.Host = ""
	if err := opts.Validate(); err != nil {
		t.Errorf("server mode without host should validate: %v", err)
	}
}
