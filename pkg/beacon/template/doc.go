/*
Package template expands named placeholders in strings.

# Overview

Two placeholder styles are supported, one per Expander:

  - {{name}} (StyleMustache) for endpoint URL templates such as
    https://profiles.example.com/{{account}}/{{profile}}/{{visitorId}}
  - ${name} (StyleEnv) for environment references in configuration files

# Basic Usage

	exp := template.NewExpander(template.StyleMustache)
	url, _ := exp.Expand(tmpl, template.Vars(map[string]string{
	    "account": "acme",
	}))

Resolve against the process environment:

	exp := template.NewExpander(template.StyleEnv)
	raw, _ := exp.ExpandMap(cfg.Raw(), os.LookupEnv)

# Missing Names

By default unresolved placeholders are kept as-is. MissingEmpty drops
them and MissingError reports them, which is how URL templates with
misspelled placeholders are rejected up front:

	exp := template.NewExpander(template.StyleMustache,
	    template.WithMissingAction(template.MissingError))
	_, err := exp.Expand("{{acount}}", lookup)
	// err: "undefined variable: acount"
*/
package template
