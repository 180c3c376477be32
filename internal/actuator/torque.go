package actuator

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"botop/internal/control"
	"botop/internal/reference"
)

// selectRef checks every present term against the system dof and picks this
// loop's joints out of it.
func selectRef(ref reference.Triple, indices []int, sysDOF int) (reference.Triple, error) {
	pick := func(name string, v []float64) ([]float64, error) {
		if len(v) == 0 {
			return nil, nil
		}
		if len(v) != sysDOF {
			return nil, fmt.Errorf("%s reference has %d entries, system has %d: %w", name, len(v), sysDOF, control.ErrDimension)
		}
		out := make([]float64, len(indices))
		for i, idx := range indices {
			out[i] = v[idx]
		}
		return out, nil
	}
	var out reference.Triple
	var err error
	if out.Pos, err = pick("position", ref.Pos); err != nil {
		return reference.Triple{}, err
	}
	if out.Vel, err = pick("velocity", ref.Vel); err != nil {
		return reference.Triple{}, err
	}
	if out.Acc, err = pick("acceleration", ref.Acc); err != nil {
		return reference.Triple{}, err
	}
	return out, nil
}

// subMatrix picks rows and columns by indices.
func subMatrix(m *mat.Dense, indices []int) *mat.Dense {
	n := len(indices)
	out := mat.NewDense(n, n, nil)
	for i, ri := range indices {
		for j, cj := range indices {
			out.Set(i, j, m.At(ri, cj))
		}
	}
	return out
}

func diff(a, b []float64) *mat.VecDense {
	v := mat.NewVecDense(len(a), nil)
	for i := range a {
		v.SetVec(i, a[i]-b[i])
	}
	return v
}

// referenceTorque is u = Kp(qRef-q) + Kd(qDotRef-qDot) + qDDotRef with absent
// terms skipped. With a projector, Kp becomes P Kp P and u becomes P u.
func referenceTorque(ref reference.Triple, q, qDot []float64, kp, kd, p *mat.Dense) []float64 {
	n := len(q)
	u := mat.NewVecDense(n, nil)
	if p != nil {
		var pk mat.Dense
		pk.Mul(p, kp)
		var pkp mat.Dense
		pkp.Mul(&pk, p)
		kp = &pkp
	}
	if ref.HasPos() {
		var t mat.VecDense
		t.MulVec(kp, diff(ref.Pos, q))
		u.AddVec(u, &t)
	}
	if ref.HasVel() {
		var t mat.VecDense
		t.MulVec(kd, diff(ref.Vel, qDot))
		u.AddVec(u, &t)
	}
	if ref.HasAcc() {
		u.AddVec(u, mat.NewVecDense(n, append([]float64(nil), ref.Acc...)))
	}
	if p != nil {
		var t mat.VecDense
		t.MulVec(p, u)
		u = &t
	}
	return u.RawVector().Data
}

// projectedTorque is u = M qDDotRef - Kp q - Kd qDot where Kp and Kd are
// already mass weighted.
func projectedTorque(ref reference.Triple, q, qDot []float64, kp, kd, m *mat.Dense) []float64 {
	n := len(q)
	u := mat.NewVecDense(n, nil)
	if ref.HasAcc() {
		u.MulVec(m, mat.NewVecDense(n, append([]float64(nil), ref.Acc...)))
	}
	var t mat.VecDense
	t.MulVec(kp, mat.NewVecDense(n, append([]float64(nil), q...)))
	u.SubVec(u, &t)
	t.MulVec(kd, mat.NewVecDense(n, append([]float64(nil), qDot...)))
	u.SubVec(u, &t)
	return u.RawVector().Data
}

// kinematicTorque maps joint space errors to motor commands through the
// Jacobian pseudo-inverse and clips them to limit.
func kinematicTorque(ref reference.Triple, q, qDot []float64, kp, kd, p, jInv *mat.Dense, limit float64) []float64 {
	rows, _ := jInv.Dims()
	u := mat.NewVecDense(rows, nil)
	if ref.HasPos() {
		var motor, t mat.VecDense
		motor.MulVec(jInv, diff(ref.Pos, q))
		t.MulVec(kp, &motor)
		u.AddVec(u, &t)
	}
	if ref.HasVel() {
		var motor, t mat.VecDense
		motor.MulVec(jInv, diff(ref.Vel, qDot))
		t.MulVec(kd, &motor)
		u.AddVec(u, &t)
	}
	if p != nil {
		var t mat.VecDense
		t.MulVec(p, u)
		u = &t
	}
	out := u.RawVector().Data
	if limit > 0 {
		for i, x := range out {
			out[i] = math.Max(-limit, math.Min(limit, x))
		}
	}
	return out
}

// trackingError is |qRef-q|, or sqrt(d'Pd) with a projector.
func trackingError(qRef, q []float64, p *mat.Dense) float64 {
	d := diff(qRef, q)
	if p == nil {
		return mat.Norm(d, 2)
	}
	var pd mat.VecDense
	pd.MulVec(p, d)
	return math.Sqrt(math.Max(0, mat.Dot(d, &pd)))
}

// pseudoInverse computes the Moore-Penrose inverse with singular values below
// tol treated as zero.
func pseudoInverse(a mat.Matrix, tol float64) (*mat.Dense, error) {
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThin) {
		return nil, fmt.Errorf("svd factorization failed")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	s := svd.Values(nil)

	_, uc := u.Dims()
	sInv := mat.NewDense(len(s), uc, nil)
	for i, x := range s {
		if x > tol {
			sInv.Set(i, i, 1/x)
		}
	}
	var vs mat.Dense
	vs.Mul(&v, sInv)
	var out mat.Dense
	out.Mul(&vs, u.T())
	return &out, nil
}

func identity(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}
