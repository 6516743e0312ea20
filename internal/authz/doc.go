// Callstream - Real-time Call Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/callstream

/*
Package authz decides what a verified token may do, using a Casbin RBAC
model with an organization scope.

A request is (subject, token org, target org, object, action). The subject
is a role derived from the token:

  - operator: the org claim is "*"
  - viewer or producer: the role claim names one of them
  - member: anything else; member inherits viewer and producer

Policies with scope "own" match only when the token org equals the target
org; "any" matches every org, including the empty org of operator
endpoints.

The model and policy are embedded. Config.ModelPath and Config.PolicyPath
replace them with files, and a file policy can be reloaded periodically.
*/
package authz
