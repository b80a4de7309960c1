// Copyright (C) The Impute Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import "github.com/arvados/impute"

func main() {
	impute.Main()
}
