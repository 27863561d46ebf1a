/*
Copyright 2017 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package v1

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Value/Scan on Backchannel and VcsInfo let the store package pass these
// composite fields straight through pgx as jsonb columns without a
// per-column codec registration.

func (b Backchannel) Value() (driver.Value, error) {
	return json.Marshal(b)
}

func (b *Backchannel) Scan(src interface{}) error {
	return scanJSON(src, b)
}

func (v VcsInfo) Value() (driver.Value, error) {
	return json.Marshal(v)
}

func (v *VcsInfo) Scan(src interface{}) error {
	return scanJSON(src, v)
}

func scanJSON(src interface{}, dst interface{}) error {
	switch t := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(t, dst)
	case string:
		return json.Unmarshal([]byte(t), dst)
	default:
		return fmt.Errorf("unsupported scan source type %T", src)
	}
}
