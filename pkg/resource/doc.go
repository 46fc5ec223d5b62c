// Package resource bounds concurrent jobs per resource class.
//
// Classes are resolved from the job (resourceType parameter, then a
// resource:<class> tag, then the job type) and admission is a simple
// counting gate: under the limit a slot is granted, over it the job
// waits FIFO. Releasing a slot hands it directly to the next waiter so
// a saturated class drains in arrival order.
package resource
